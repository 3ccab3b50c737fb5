package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/operion-approval/pkg/models"
	"github.com/dukex/operion-approval/pkg/persistence"
	"github.com/dukex/operion-approval/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func seedTask(t *testing.T, p *memory.Persistence, id, approver string, order int, deadline *time.Time) *models.ApprovalTask {
	t.Helper()

	task := &models.ApprovalTask{
		ID:           id,
		RecordID:     "record-1",
		JobID:        "job-1",
		Approver:     approver,
		Order:        order,
		Status:       models.TaskStatusPending,
		ApprovalMode: models.ApprovalModeCountersign,
		Deadline:     deadline,
		NextSweepAt:  deadline,
		CreatedAt:    baseTime.Add(time.Duration(order) * time.Minute),
	}

	require.NoError(t, p.TaskRepository().CreateBatch(context.Background(), []*models.ApprovalTask{task}))

	return task
}

func TestTaskRepository_CompleteIsGuarded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()
	seedTask(t, p, "task-1", "alice", 0, nil)

	updated, err := p.TaskRepository().Complete(ctx, "task-1", models.TaskCompletion{
		Status:      models.TaskStatusApproved,
		Comment:     "ok",
		ProcessedAt: baseTime,
	})
	require.NoError(t, err)
	assert.True(t, updated)

	updated, err = p.TaskRepository().Complete(ctx, "task-1", models.TaskCompletion{
		Status:      models.TaskStatusRejected,
		ProcessedAt: baseTime.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, updated, "second terminal write must be a no-op")

	task, err := p.TaskRepository().GetByID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusApproved, task.Status)
	assert.Equal(t, "ok", task.Comment)
	assert.Equal(t, baseTime, *task.ProcessedAt)
}

func TestTaskRepository_GetByIDNotFound(t *testing.T) {
	t.Parallel()

	_, err := memory.NewPersistence().TaskRepository().GetByID(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, persistence.IsTaskNotFound(err))
}

func TestTaskRepository_ReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()
	seedTask(t, p, "task-1", "alice", 0, nil)

	task, err := p.TaskRepository().GetByID(ctx, "task-1")
	require.NoError(t, err)

	task.Status = models.TaskStatusRejected

	stored, err := p.TaskRepository().GetByID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)
}

func TestTaskRepository_ListOverdue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()

	past := baseTime.Add(-time.Hour)
	future := baseTime.Add(time.Hour)

	seedTask(t, p, "overdue", "alice", 0, &past)
	seedTask(t, p, "not-due", "bob", 1, &future)
	seedTask(t, p, "no-deadline", "carol", 2, nil)
	closed := seedTask(t, p, "closed", "dave", 3, &past)

	_, err := p.TaskRepository().Complete(ctx, closed.ID, models.TaskCompletion{Status: models.TaskStatusApproved, ProcessedAt: baseTime})
	require.NoError(t, err)

	tasks, err := p.TaskRepository().ListOverdue(ctx, baseTime, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "overdue", tasks[0].ID)
}

func TestTaskRepository_RescheduleMovesTaskOutOfSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()

	first := baseTime.Add(-2 * time.Hour)
	second := baseTime.Add(-time.Hour)

	seedTask(t, p, "reminded", "alice", 0, &first)
	seedTask(t, p, "parked", "bob", 1, &first)
	seedTask(t, p, "waiting", "carol", 2, &second)

	later := baseTime.Add(time.Hour)
	require.NoError(t, p.TaskRepository().MarkReminded(ctx, "reminded", baseTime, &later))
	require.NoError(t, p.TaskRepository().Reschedule(ctx, "parked", nil))

	tasks, err := p.TaskRepository().ListOverdue(ctx, baseTime, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "waiting", tasks[0].ID)

	reminded, err := p.TaskRepository().GetByID(ctx, "reminded")
	require.NoError(t, err)
	assert.Equal(t, baseTime, *reminded.LastRemindedAt)
	assert.Equal(t, later, *reminded.NextSweepAt)

	tasks, err = p.TaskRepository().ListOverdue(ctx, later.Add(time.Second), 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "waiting", tasks[0].ID)
	assert.Equal(t, "reminded", tasks[1].ID)
}

func TestTaskRepository_StartDeadlineOnlyOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()
	seedTask(t, p, "task-1", "alice", 0, nil)

	deadline := baseTime.Add(time.Hour)

	started, err := p.TaskRepository().StartDeadline(ctx, "task-1", deadline)
	require.NoError(t, err)
	assert.True(t, started)

	started, err = p.TaskRepository().StartDeadline(ctx, "task-1", deadline.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, started)

	task, err := p.TaskRepository().GetByID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, deadline, *task.Deadline)
	assert.Equal(t, deadline, *task.NextSweepAt)
}

func TestJobRepository_OneJobPerStep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()

	job := &models.Job{ID: "job-1", ExecutionID: "exec-1", NodeID: "approve", Status: models.JobStatusPending, CreatedAt: baseTime}
	require.NoError(t, p.JobRepository().Save(ctx, job))

	duplicate := &models.Job{ID: "job-2", ExecutionID: "exec-1", NodeID: "approve", Status: models.JobStatusPending, CreatedAt: baseTime}
	err := p.JobRepository().Save(ctx, duplicate)
	require.ErrorIs(t, err, persistence.ErrAlreadyExists)

	stored, err := p.JobRepository().GetByStep(ctx, "exec-1", "approve")
	require.NoError(t, err)
	assert.Equal(t, "job-1", stored.ID)

	_, err = p.JobRepository().GetByStep(ctx, "exec-2", "approve")
	assert.True(t, persistence.IsJobNotFound(err))
}

func TestTaskRepository_ListByApproverNewestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()

	seedTask(t, p, "first", "alice", 0, nil)
	seedTask(t, p, "second", "alice", 1, nil)
	seedTask(t, p, "other", "bob", 2, nil)

	tasks, err := p.TaskRepository().ListByApprover(ctx, "alice", models.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "second", tasks[0].ID)
	assert.Equal(t, "first", tasks[1].ID)

	tasks, err = p.TaskRepository().ListByApprover(ctx, "alice", models.TaskFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "first", tasks[0].ID)
}

func TestPersistence_TransactionRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()
	seedTask(t, p, "task-1", "alice", 0, nil)

	failure := errors.New("boom")

	err := p.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		updated, err := tx.TaskRepository().Complete(ctx, "task-1", models.TaskCompletion{
			Status:      models.TaskStatusApproved,
			ProcessedAt: baseTime,
		})
		require.NoError(t, err)
		require.True(t, updated)

		return failure
	})
	require.ErrorIs(t, err, failure)

	task, err := p.TaskRepository().GetByID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
}

func TestRecordRepository_CompleteOnlyOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()

	require.NoError(t, p.RecordRepository().Create(ctx, &models.ApprovalRecord{
		ID:          "record-1",
		Initiator:   "erin",
		Status:      models.RecordStatusPending,
		SubmittedAt: baseTime,
	}))

	updated, err := p.RecordRepository().Complete(ctx, "record-1", models.RecordStatusApproved, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, updated)

	updated, err = p.RecordRepository().Complete(ctx, "record-1", models.RecordStatusRejected, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, updated)

	record, err := p.RecordRepository().GetByID(ctx, "record-1")
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusApproved, record.Status)
	assert.Equal(t, baseTime.Add(time.Hour), *record.CompletedAt)

	count, err := p.RecordRepository().CountByInitiator(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDelegationRepository_ActiveDelegations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()
	repo := p.DelegationRepository()

	require.NoError(t, repo.Save(ctx, &models.DelegationRule{
		ID: "active", Delegator: "alice", Delegatee: "bob", Enabled: true,
		StartDate: baseTime.Add(-time.Hour), EndDate: baseTime.Add(time.Hour),
	}))
	require.NoError(t, repo.Save(ctx, &models.DelegationRule{
		ID: "disabled", Delegator: "alice", Delegatee: "carol", Enabled: false,
		StartDate: baseTime.Add(-time.Hour), EndDate: baseTime.Add(time.Hour),
	}))
	require.NoError(t, repo.Save(ctx, &models.DelegationRule{
		ID: "other", Delegator: "dave", Delegatee: "bob", Enabled: true,
		StartDate: baseTime.Add(-time.Hour), EndDate: baseTime.Add(time.Hour),
	}))

	rules, err := repo.ActiveDelegations(ctx, []string{"alice"}, baseTime)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "active", rules[0].ID)

	all, err := repo.ListByDelegator(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
