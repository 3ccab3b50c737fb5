package approval_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/operion-approval/pkg/models"
	"github.com/dukex/operion-approval/pkg/nodes/approval"
	"github.com/dukex/operion-approval/pkg/notification"
	"github.com/dukex/operion-approval/pkg/persistence"
	"github.com/dukex/operion-approval/pkg/persistence/memory"
	"github.com/dukex/operion-approval/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	persistence *memory.Persistence
	coordinator *approval.Coordinator
	dispatcher  *notification.Dispatcher

	mu       sync.Mutex
	now      time.Time
	messages []notification.Message
	observed []*models.Job
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	f := &fixture{
		persistence: memory.NewPersistence(),
		now:         time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}

	f.dispatcher = notification.NewDispatcher(notification.NotifierFunc(func(_ context.Context, msg notification.Message) error {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.messages = append(f.messages, msg)

		return nil
	}), logger)

	var seq atomic.Int64

	f.coordinator = approval.NewCoordinator(f.persistence, logger,
		approval.WithClock(f.clock),
		approval.WithIDGenerator(func() string { return fmt.Sprintf("id-%03d", seq.Add(1)) }),
		approval.WithDispatcher(f.dispatcher),
		approval.WithObserver(protocol.JobObserverFunc(f.record)),
	)

	return f
}

func (f *fixture) record(_ context.Context, job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.observed = append(f.observed, job)
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
}

func (f *fixture) sent() []notification.Message {
	f.dispatcher.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]notification.Message(nil), f.messages...)
}

func (f *fixture) tasks(t *testing.T, jobID string) []*models.ApprovalTask {
	t.Helper()

	tasks, err := f.persistence.TaskRepository().ListByJob(context.Background(), jobID)
	require.NoError(t, err)

	return tasks
}

func (f *fixture) decide(t *testing.T, taskID string, status models.TaskStatus) {
	t.Helper()

	ok, err := f.persistence.TaskRepository().Complete(context.Background(), taskID, models.TaskCompletion{
		Status:      status,
		ProcessedAt: f.clock(),
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func executionContext() *models.ExecutionContext {
	return &models.ExecutionContext{
		ID:          "exec-1",
		WorkflowID:  "wf-1",
		Initiator:   "ivan",
		TriggerData: map[string]any{"manager": "maria"},
	}
}

func TestCoordinator_RunCreatesRecordAndTasks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	config := models.NodeConfig{
		Mode:      models.ApprovalModeSequential,
		Approvers: []string{"alice", "{{ .trigger_data.manager }}", "alice"},
		Title:     "Expense {{ .execution.id }}",
		Timeout:   models.TimeoutConfig{Enabled: true, Duration: models.Duration(time.Hour), Action: models.TimeoutActionRemind},
	}

	job, err := f.coordinator.Run(ctx, "approve-expense", config, nil, executionContext())
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "approve-expense", job.NodeID)
	require.NotEmpty(t, job.RecordID)

	record, err := f.persistence.RecordRepository().GetByID(ctx, job.RecordID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusPending, record.Status)
	assert.Equal(t, "ivan", record.Initiator)
	assert.Equal(t, "Expense exec-1", record.Title)
	assert.Equal(t, job.ID, record.JobID)

	tasks := f.tasks(t, job.ID)
	require.Len(t, tasks, 2)
	assert.Equal(t, "alice", tasks[0].Approver)
	assert.Equal(t, 0, tasks[0].Order)
	assert.Equal(t, "maria", tasks[1].Approver)
	assert.Equal(t, 1, tasks[1].Order)

	for _, task := range tasks {
		assert.Equal(t, models.TaskStatusPending, task.Status)
		assert.Equal(t, record.ID, task.RecordID)
	}

	require.NotNil(t, tasks[0].Deadline)
	assert.Equal(t, f.clock().Add(time.Hour), *tasks[0].Deadline)
	assert.Equal(t, tasks[0].Deadline, tasks[0].NextSweepAt)
	assert.Nil(t, tasks[1].Deadline, "a waiting sequential task has no deadline yet")
	assert.Nil(t, tasks[1].NextSweepAt)

	require.NotNil(t, job.Summary)
	assert.Equal(t, tasks[0].ID, job.Summary.ActiveTaskID)
	assert.Equal(t, 2, job.Summary.Pending)

	messages := f.sent()
	require.Len(t, messages, 1)
	assert.Equal(t, notification.KindTaskAssigned, messages[0].Kind)
	assert.Equal(t, "alice", messages[0].Recipient)
}

func TestCoordinator_RunParallelModesNotifyEveryApprover(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	config := models.NodeConfig{Mode: models.ApprovalModeCountersign, Approvers: []string{"alice", "bob", "carol"}}

	job, err := f.coordinator.Run(context.Background(), "node", config, nil, executionContext())
	require.NoError(t, err)

	for _, task := range f.tasks(t, job.ID) {
		assert.Equal(t, 0, task.Order)
		assert.Nil(t, task.Deadline)
	}

	assert.Len(t, f.sent(), 3)
	assert.Empty(t, job.Summary.ActiveTaskID)
}

func TestCoordinator_RunWithoutApproversResolves(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config models.NodeConfig
	}{
		{
			name:   "empty list",
			config: models.NodeConfig{Mode: models.ApprovalModeCountersign},
		},
		{
			name:   "only the initiator with self approval skipped",
			config: models.NodeConfig{Approvers: []string{"ivan"}, SkipSelfApproval: true},
		},
		{
			name:   "template renders nothing",
			config: models.NodeConfig{Approvers: []string{"{{ .trigger_data.missing }}"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)

			job, err := f.coordinator.Run(context.Background(), "node", tt.config, nil, executionContext())
			require.NoError(t, err)

			assert.Equal(t, models.JobStatusResolved, job.Status)
			assert.Equal(t, approval.ReasonNoApprovers, job.Reason)
			assert.Empty(t, job.RecordID)
			assert.Equal(t, models.VerdictResolved, job.Summary.Verdict)
			assert.Empty(t, f.tasks(t, job.ID))

			stored, err := f.persistence.JobRepository().GetByID(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusResolved, stored.Status)
		})
	}
}

func TestCoordinator_RunSkipsInitiator(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	config := models.NodeConfig{Mode: models.ApprovalModeOrSign, Approvers: []string{"ivan", "bob"}, SkipSelfApproval: true}

	job, err := f.coordinator.Run(context.Background(), "node", config, nil, executionContext())
	require.NoError(t, err)

	tasks := f.tasks(t, job.ID)
	require.Len(t, tasks, 1)
	assert.Equal(t, "bob", tasks[0].Approver)
}

func TestCoordinator_RunAppliesDelegation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	err := f.persistence.DelegationRepository().Save(ctx, &models.DelegationRule{
		ID:        "rule-1",
		Delegator: "alice",
		Delegatee: "carol",
		StartDate: f.clock().Add(-time.Hour),
		EndDate:   f.clock().Add(time.Hour),
		Enabled:   true,
	})
	require.NoError(t, err)

	config := models.NodeConfig{Mode: models.ApprovalModeCountersign, Approvers: []string{"alice", "carol", "bob"}}

	job, err := f.coordinator.Run(ctx, "node", config, nil, executionContext())
	require.NoError(t, err)

	var approvers []string
	for _, task := range f.tasks(t, job.ID) {
		approvers = append(approvers, task.Approver)
	}

	assert.ElementsMatch(t, []string{"carol", "bob"}, approvers)
}

func TestCoordinator_RunIsIdempotentPerStep(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	config := models.NodeConfig{Approvers: []string{"alice"}}
	upstream := &models.Job{ID: "job-upstream", ExecutionID: "exec-1", NodeID: "fetch", Status: models.JobStatusResolved}

	first, err := f.coordinator.Run(ctx, "node", config, upstream, executionContext())
	require.NoError(t, err)

	again, err := f.coordinator.Run(ctx, "node", config, upstream, executionContext())
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, f.tasks(t, first.ID), 1)
	assert.Len(t, f.sent(), 1, "a repeated entry does not notify again")

	other, err := f.coordinator.Run(ctx, "other-node", config, upstream, executionContext())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestCoordinator_RunIsIdempotentUnderConcurrentDelivery(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	config := models.NodeConfig{Mode: models.ApprovalModeCountersign, Approvers: []string{"alice", "bob"}}

	const deliveries = 8

	ids := make([]string, deliveries)

	var wg sync.WaitGroup

	for i := range deliveries {
		wg.Add(1)

		go func() {
			defer wg.Done()

			job, err := f.coordinator.Run(ctx, "node", config, nil, executionContext())
			assert.NoError(t, err)

			if job != nil {
				ids[i] = job.ID
			}
		}()
	}

	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	assert.Len(t, f.tasks(t, ids[0]), 2)

	count, err := f.persistence.RecordRepository().CountByInitiator(ctx, "ivan")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCoordinator_RunRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	config := models.NodeConfig{Approvers: []string{"alice"}}

	_, err := f.coordinator.Run(context.Background(), "node", config, nil, nil)
	require.ErrorIs(t, err, approval.ErrMissingExecutionContext)

	_, err = f.coordinator.Run(context.Background(), "node", config, nil, &models.ExecutionContext{ID: "exec"})
	require.Error(t, err)

	config.Timeout = models.TimeoutConfig{Enabled: true, Action: models.TimeoutActionAutoApprove}
	_, err = f.coordinator.Run(context.Background(), "node", config, nil, executionContext())
	require.Error(t, err)
}

func TestCoordinator_RunThenApproveAllResolves(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config models.NodeConfig
	}{
		{"sequential", models.NodeConfig{Mode: models.ApprovalModeSequential}},
		{"countersign", models.NodeConfig{Mode: models.ApprovalModeCountersign}},
		{"or_sign", models.NodeConfig{Mode: models.ApprovalModeOrSign}},
		{"vote default threshold", models.NodeConfig{Mode: models.ApprovalModeVote}},
		{"vote unanimous", models.NodeConfig{Mode: models.ApprovalModeVote, VoteThreshold: 100}},
		{"unknown mode", models.NodeConfig{Mode: "majority"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			ctx := context.Background()

			config := tt.config
			config.Approvers = []string{"alice", "bob", "carol"}

			job, err := f.coordinator.Run(ctx, "node", config, nil, executionContext())
			require.NoError(t, err)

			for _, task := range f.tasks(t, job.ID) {
				f.decide(t, task.ID, models.TaskStatusApproved)
			}

			resumed, err := f.coordinator.Resume(ctx, job)
			require.NoError(t, err)

			assert.Equal(t, models.JobStatusResolved, resumed.Status)

			record, err := f.persistence.RecordRepository().GetByID(ctx, job.RecordID)
			require.NoError(t, err)
			assert.Equal(t, models.RecordStatusApproved, record.Status)
			require.NotNil(t, record.CompletedAt)
		})
	}
}

func TestCoordinator_ResumeIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.coordinator.Run(ctx, "node", models.NodeConfig{Mode: models.ApprovalModeOrSign, Approvers: []string{"alice"}}, nil, executionContext())
	require.NoError(t, err)

	f.decide(t, f.tasks(t, job.ID)[0].ID, models.TaskStatusApproved)

	first, err := f.coordinator.Resume(ctx, job)
	require.NoError(t, err)

	record, err := f.persistence.RecordRepository().GetByID(ctx, job.RecordID)
	require.NoError(t, err)

	completedAt := *record.CompletedAt

	f.advance(time.Hour)

	second, err := f.coordinator.Resume(ctx, job)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)

	record, err = f.persistence.RecordRepository().GetByID(ctx, job.RecordID)
	require.NoError(t, err)
	assert.Equal(t, completedAt, *record.CompletedAt)
}

func TestCoordinator_ResumeKeepsPendingAndReportsProgress(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.coordinator.Run(ctx, "node", models.NodeConfig{Mode: models.ApprovalModeCountersign, Approvers: []string{"alice", "bob"}}, nil, executionContext())
	require.NoError(t, err)

	f.decide(t, f.tasks(t, job.ID)[0].ID, models.TaskStatusApproved)

	resumed, err := f.coordinator.Resume(ctx, job)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusPending, resumed.Status)
	assert.Equal(t, 1, resumed.Summary.Approved)
	assert.Equal(t, 1, resumed.Summary.Pending)
	assert.Equal(t, models.VerdictUndetermined, resumed.Summary.Verdict)
}

func TestCoordinator_ResumeActivatesNextSequentialApprover(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.coordinator.Run(ctx, "node", models.NodeConfig{Approvers: []string{"alice", "bob"}}, nil, executionContext())
	require.NoError(t, err)

	tasks := f.tasks(t, job.ID)
	f.decide(t, tasks[0].ID, models.TaskStatusApproved)

	resumed, err := f.coordinator.Resume(ctx, job)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusPending, resumed.Status)
	assert.Equal(t, tasks[1].ID, resumed.Summary.ActiveTaskID)

	messages := f.sent()
	require.Len(t, messages, 2)
	assert.Equal(t, notification.KindTaskActivated, messages[1].Kind)
	assert.Equal(t, "bob", messages[1].Recipient)
	assert.Equal(t, tasks[1].ID, messages[1].TaskID)

	// unchanged activation does not notify again
	_, err = f.coordinator.Resume(ctx, job)
	require.NoError(t, err)
	assert.Len(t, f.sent(), 2)
}

func TestCoordinator_SequentialDeadlineStartsOnActivation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.coordinator.Run(ctx, "node", models.NodeConfig{
		Approvers: []string{"alice", "bob"},
		Timeout:   models.TimeoutConfig{Enabled: true, Duration: models.Duration(time.Hour), Action: models.TimeoutActionAutoApprove},
	}, nil, executionContext())
	require.NoError(t, err)

	tasks := f.tasks(t, job.ID)
	require.Nil(t, tasks[1].Deadline)

	f.advance(3 * time.Hour)
	f.decide(t, tasks[0].ID, models.TaskStatusApproved)

	_, err = f.coordinator.Resume(ctx, job)
	require.NoError(t, err)

	bob, err := f.persistence.TaskRepository().GetByID(ctx, tasks[1].ID)
	require.NoError(t, err)
	require.NotNil(t, bob.Deadline)
	assert.Equal(t, f.clock().Add(time.Hour), *bob.Deadline)
	assert.False(t, bob.IsOverdue(f.clock()), "the next approver gets the full timeout")

	f.advance(time.Minute)

	_, err = f.coordinator.Resume(ctx, job)
	require.NoError(t, err)

	bob, err = f.persistence.TaskRepository().GetByID(ctx, tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock().Add(59*time.Minute), *bob.Deadline, "a started deadline is not moved")
}

func TestCoordinator_ResumeReadsStoredJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.coordinator.Run(ctx, "node", models.NodeConfig{Mode: models.ApprovalModeOrSign, Approvers: []string{"alice"}}, nil, executionContext())
	require.NoError(t, err)

	f.decide(t, f.tasks(t, job.ID)[0].ID, models.TaskStatusApproved)

	resumed, err := f.coordinator.Resume(ctx, &models.Job{ID: job.ID})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusResolved, resumed.Status)

	_, err = f.coordinator.Resume(ctx, &models.Job{ID: job.ID, NodeID: "other"})
	require.ErrorIs(t, err, approval.ErrJobMismatch)

	_, err = f.coordinator.Resume(ctx, &models.Job{ID: "missing"})
	assert.True(t, persistence.IsJobNotFound(err))
}

func TestCoordinator_SettlementClosesRemainingTasks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.coordinator.Run(ctx, "node", models.NodeConfig{Mode: models.ApprovalModeOrSign, Approvers: []string{"alice", "bob", "carol"}}, nil, executionContext())
	require.NoError(t, err)

	tasks := f.tasks(t, job.ID)
	f.decide(t, tasks[1].ID, models.TaskStatusApproved)

	resumed, err := f.coordinator.Resume(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusResolved, resumed.Status)
	assert.Equal(t, 2, resumed.Summary.Pending)

	statuses := map[string]models.TaskStatus{}
	for _, task := range f.tasks(t, job.ID) {
		statuses[task.Approver] = task.Status
	}

	assert.Equal(t, map[string]models.TaskStatus{
		"alice": models.TaskStatusSkipped,
		"bob":   models.TaskStatusApproved,
		"carol": models.TaskStatusSkipped,
	}, statuses)

	var completed []notification.Message
	for _, msg := range f.sent() {
		if msg.Kind == notification.KindRecordCompleted {
			completed = append(completed, msg)
		}
	}

	require.Len(t, completed, 1)
	assert.Equal(t, "ivan", completed[0].Recipient)
}

func TestCoordinator_RejectionSettlesRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.coordinator.Run(ctx, "node", models.NodeConfig{Mode: models.ApprovalModeCountersign, Approvers: []string{"alice", "bob"}}, nil, executionContext())
	require.NoError(t, err)

	f.decide(t, f.tasks(t, job.ID)[1].ID, models.TaskStatusRejected)

	resumed, err := f.coordinator.Resume(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRejected, resumed.Status)

	record, err := f.persistence.RecordRepository().GetByID(ctx, job.RecordID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusRejected, record.Status)

	f.dispatcher.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()

	last := f.observed[len(f.observed)-1]
	assert.Equal(t, job.ID, last.ID)
	assert.Equal(t, models.JobStatusRejected, last.Status)
}

func TestCoordinator_ConcurrentCountersignWithOneReject(t *testing.T) {
	t.Parallel()

	for round := range 10 {
		t.Run(fmt.Sprintf("round %d", round), func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			ctx := context.Background()

			job, err := f.coordinator.Run(ctx, "node", models.NodeConfig{
				Mode:      models.ApprovalModeCountersign,
				Approvers: []string{"alice", "bob", "carol", "dave"},
			}, nil, executionContext())
			require.NoError(t, err)

			tasks := f.tasks(t, job.ID)

			var wg sync.WaitGroup

			for i, task := range tasks {
				status := models.TaskStatusApproved
				if i == round%len(tasks) {
					status = models.TaskStatusRejected
				}

				wg.Add(1)

				go func() {
					defer wg.Done()

					var outcome *approval.Outcome

					err := f.persistence.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
						_, err := tx.RecordRepository().Lock(ctx, job.RecordID)
						if err != nil {
							return err
						}

						_, err = tx.TaskRepository().Complete(ctx, task.ID, models.TaskCompletion{Status: status, ProcessedAt: f.clock()})
						if err != nil {
							return err
						}

						outcome, err = f.coordinator.ResumeTx(ctx, tx, job.ID)

						return err
					})
					assert.NoError(t, err)

					f.coordinator.Publish(ctx, outcome)
				}()
			}

			wg.Wait()

			stored, err := f.persistence.JobRepository().GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusRejected, stored.Status)

			record, err := f.persistence.RecordRepository().GetByID(ctx, job.RecordID)
			require.NoError(t, err)
			assert.Equal(t, models.RecordStatusRejected, record.Status)
		})
	}
}

func TestCoordinator_SettleWithReason(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.coordinator.Run(ctx, "node", models.NodeConfig{Approvers: []string{"alice"}}, nil, executionContext())
	require.NoError(t, err)

	var outcome *approval.Outcome

	err = f.persistence.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		var err error

		outcome, err = f.coordinator.Settle(ctx, tx, job.ID, models.JobStatusRejected, approval.ReasonWithdrawn)

		return err
	})
	require.NoError(t, err)

	assert.True(t, outcome.Settled)
	assert.Equal(t, models.JobStatusRejected, outcome.Job.Status)
	assert.Equal(t, approval.ReasonWithdrawn, outcome.Job.Reason)

	resumed, err := f.coordinator.Resume(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRejected, resumed.Status)
}
