package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

// Task Model Tests

func TestTaskStatus_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   TaskStatus
		terminal bool
		positive bool
		negative bool
	}{
		{TaskStatusPending, false, false, false},
		{TaskStatusApproved, true, true, false},
		{TaskStatusAutoApproved, true, true, false},
		{TaskStatusSkipped, true, true, false},
		{TaskStatusRejected, true, false, true},
		{TaskStatusReturned, true, false, true},
		{TaskStatusDelegated, true, false, false},
		{TaskStatusReassigned, true, false, false},
		{TaskStatusWithdrawn, true, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()

			assert.True(t, tt.status.IsKnown())
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.positive, tt.status.IsPositive())
			assert.Equal(t, tt.negative, tt.status.IsNegative())
		})
	}
}

func TestTaskStatus_IsKnown(t *testing.T) {
	t.Parallel()

	assert.False(t, TaskStatus("done").IsKnown())
	assert.False(t, TaskStatus("").IsKnown())
	assert.False(t, TaskStatus("PENDING").IsKnown())
}

func TestApprovalTask_IsOverdue(t *testing.T) {
	t.Parallel()

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, (&ApprovalTask{Status: TaskStatusPending, Deadline: &past}).IsOverdue(now))
	assert.False(t, (&ApprovalTask{Status: TaskStatusPending, Deadline: &future}).IsOverdue(now))
	assert.False(t, (&ApprovalTask{Status: TaskStatusPending}).IsOverdue(now))
	assert.False(t, (&ApprovalTask{Status: TaskStatusApproved, Deadline: &past}).IsOverdue(now))
}

func TestLowestPendingTask(t *testing.T) {
	t.Parallel()

	tasks := []*ApprovalTask{
		{ID: "t1", Order: 0, Status: TaskStatusApproved},
		{ID: "t3", Order: 2, Status: TaskStatusPending},
		{ID: "t2", Order: 1, Status: TaskStatusPending},
	}

	active := LowestPendingTask(tasks)
	require.NotNil(t, active)
	assert.Equal(t, "t2", active.ID)

	assert.Nil(t, LowestPendingTask(tasks[:1]))
	assert.Nil(t, LowestPendingTask(nil))
}

func TestMaxOrder(t *testing.T) {
	t.Parallel()

	assert.Equal(t, -1, MaxOrder(nil))
	assert.Equal(t, 4, MaxOrder([]*ApprovalTask{{Order: 1}, {Order: 4}, {Order: 2}}))
}

func TestTaskAction_IsKnown(t *testing.T) {
	t.Parallel()

	for _, action := range AllTaskActions {
		assert.True(t, action.IsKnown(), action)
	}

	assert.False(t, TaskAction("escalate").IsKnown())
	assert.False(t, TaskAction("").IsKnown())
}

// Job Model Tests

func TestSummarize(t *testing.T) {
	t.Parallel()

	processed := now
	tasks := []*ApprovalTask{
		{ID: "t1", Approver: "alice", Order: 0, Status: TaskStatusApproved, Comment: "ok", ProcessedAt: &processed},
		{ID: "t2", Approver: "bob", Order: 0, Status: TaskStatusReturned},
		{ID: "t3", Approver: "carol", Order: 0, Status: TaskStatusPending},
		{ID: "t4", Approver: "dave", Order: 0, Status: TaskStatusDelegated},
	}

	summary := Summarize(tasks, VerdictUndetermined)

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 1, summary.Approved)
	assert.Equal(t, 1, summary.Rejected)
	assert.Equal(t, 1, summary.Pending)
	require.Len(t, summary.Tasks, 4)
	assert.Equal(t, "ok", summary.Tasks[0].Comment)
	assert.Equal(t, &processed, summary.Tasks[0].ProcessedAt)
}

func TestJobStatus_IsSettled(t *testing.T) {
	t.Parallel()

	assert.False(t, JobStatusPending.IsSettled())
	assert.True(t, JobStatusResolved.IsSettled())
	assert.True(t, JobStatusRejected.IsSettled())
}

// Node Config Tests

func TestDuration_UnmarshalJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "duration string", input: `"36h"`, want: 36 * time.Hour},
		{name: "seconds", input: `90`, want: 90 * time.Second},
		{name: "null", input: `null`, want: 0},
		{name: "invalid string", input: `"soon"`, wantErr: true},
		{name: "invalid type", input: `true`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var d Duration

			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Std())
		})
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Duration(15 * time.Minute))
	require.NoError(t, err)
	assert.JSONEq(t, `"15m0s"`, string(data))
}

func TestTimeoutConfig_Check(t *testing.T) {
	t.Parallel()

	assert.NoError(t, TimeoutConfig{}.Check())
	assert.NoError(t, TimeoutConfig{Enabled: true, Duration: Duration(time.Hour), Action: TimeoutActionRemind}.Check())
	assert.Error(t, TimeoutConfig{Enabled: true, Action: TimeoutActionRemind}.Check())
	assert.Error(t, TimeoutConfig{Enabled: true, Duration: Duration(time.Hour)}.Check())
}

func TestNodeConfig_Defaults(t *testing.T) {
	t.Parallel()

	config := &NodeConfig{Mode: "quorum"}

	assert.Equal(t, ApprovalModeSequential, config.EffectiveMode())
	assert.Equal(t, DefaultVoteThreshold, config.VotePercentage())
	assert.True(t, config.Allows(TaskActionAddSign))
	assert.Nil(t, config.DeadlineFrom(now))

	config = &NodeConfig{
		Mode:           ApprovalModeVote,
		VoteThreshold:  60,
		AllowedActions: []TaskAction{TaskActionApprove, TaskActionReject},
		Timeout:        TimeoutConfig{Enabled: true, Duration: Duration(2 * time.Hour), Action: TimeoutActionAutoApprove},
	}

	assert.Equal(t, ApprovalModeVote, config.EffectiveMode())
	assert.Equal(t, 60, config.VotePercentage())
	assert.True(t, config.Allows(TaskActionReject))
	assert.False(t, config.Allows(TaskActionTransfer))

	deadline := config.DeadlineFrom(now)
	require.NotNil(t, deadline)
	assert.Equal(t, now.Add(2*time.Hour), *deadline)
}

// Delegation Rule Tests

func TestDelegationRule_ActiveAt(t *testing.T) {
	t.Parallel()

	rule := &DelegationRule{
		Delegator: "alice",
		Delegatee: "bob",
		StartDate: now.Add(-time.Hour),
		EndDate:   now.Add(time.Hour),
		Enabled:   true,
	}

	assert.True(t, rule.ActiveAt(now))
	assert.True(t, rule.ActiveAt(rule.StartDate))
	assert.True(t, rule.ActiveAt(rule.EndDate))
	assert.False(t, rule.ActiveAt(rule.EndDate.Add(time.Second)))
	assert.False(t, rule.ActiveAt(rule.StartDate.Add(-time.Second)))

	rule.Enabled = false
	assert.False(t, rule.ActiveAt(now))
}

func TestDelegationRule_AppliesTo(t *testing.T) {
	t.Parallel()

	assert.True(t, (&DelegationRule{}).AppliesTo("wf-1"))
	assert.True(t, (&DelegationRule{Scope: "wf-1"}).AppliesTo("wf-1"))
	assert.False(t, (&DelegationRule{Scope: "wf-2"}).AppliesTo("wf-1"))
}

func TestDelegationRule_Validation(t *testing.T) {
	t.Parallel()

	validate := validator.New(validator.WithRequiredStructEnabled())

	valid := DelegationRule{
		Delegator: "alice",
		Delegatee: "bob",
		StartDate: now,
		EndDate:   now.Add(24 * time.Hour),
	}

	tests := []struct {
		name   string
		mutate func(r *DelegationRule)
		tag    string
	}{
		{name: "valid", mutate: func(*DelegationRule) {}},
		{name: "missing delegator", mutate: func(r *DelegationRule) { r.Delegator = "" }, tag: "required"},
		{name: "self delegation", mutate: func(r *DelegationRule) { r.Delegatee = "alice" }, tag: "nefield"},
		{name: "window reversed", mutate: func(r *DelegationRule) { r.EndDate = now.Add(-time.Hour) }, tag: "gtfield"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rule := valid
			tt.mutate(&rule)

			err := validate.Struct(rule)
			if tt.tag == "" {
				require.NoError(t, err)

				return
			}

			var validationErrors validator.ValidationErrors
			require.True(t, errors.As(err, &validationErrors))
			assert.Equal(t, tt.tag, validationErrors[0].Tag())
		})
	}
}
