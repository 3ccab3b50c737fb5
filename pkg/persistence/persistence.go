// Package persistence provides the storage contracts of the approval engine.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/operion-approval/pkg/models"
)

// Repositories groups the approval repositories. Inside a transaction every repository shares
// the same atomic unit.
type Repositories interface {
	JobRepository() JobRepository
	RecordRepository() RecordRepository
	TaskRepository() TaskRepository
	DelegationRepository() DelegationRepository
}

// TxFunc runs inside a transaction. Returning an error rolls every write back.
type TxFunc func(ctx context.Context, tx Repositories) error

type Persistence interface {
	Repositories

	// Transaction runs fn in one atomic unit and commits when fn returns nil.
	Transaction(ctx context.Context, fn TxFunc) error
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// JobRepository stores the suspension points handed back to the host engine.
type JobRepository interface {
	Save(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	// GetByStep returns the job created for nodeID within the execution. A step owns at most one job.
	GetByStep(ctx context.Context, executionID, nodeID string) (*models.Job, error)
	// Update overwrites status, reason, summary and updated_at of an existing job.
	Update(ctx context.Context, job *models.Job) error
}

// RecordRepository stores approval records.
type RecordRepository interface {
	Create(ctx context.Context, record *models.ApprovalRecord) error
	GetByID(ctx context.Context, id string) (*models.ApprovalRecord, error)
	// Lock returns the record and holds it for the rest of the transaction so that concurrent
	// resumes of the same record are serialized.
	Lock(ctx context.Context, id string) (*models.ApprovalRecord, error)
	// Complete moves a pending record to a final status. It reports false, without error,
	// when the record had already left the pending state.
	Complete(ctx context.Context, id string, status models.RecordStatus, completedAt time.Time) (bool, error)
	CountByInitiator(ctx context.Context, initiator string) (int, error)
}

// TaskRepository stores approval tasks.
type TaskRepository interface {
	CreateBatch(ctx context.Context, tasks []*models.ApprovalTask) error
	GetByID(ctx context.Context, id string) (*models.ApprovalTask, error)
	ListByJob(ctx context.Context, jobID string) ([]*models.ApprovalTask, error)
	// ListByApprover returns the approver's tasks, newest first.
	ListByApprover(ctx context.Context, approver string, filter models.TaskFilter) ([]*models.ApprovalTask, error)
	// Complete writes a terminal status guarded by status = pending. It reports false when
	// another writer closed the task first.
	Complete(ctx context.Context, id string, completion models.TaskCompletion) (bool, error)
	// ClosePending moves every still-pending task of the record to status and returns how many it closed.
	ClosePending(ctx context.Context, recordID string, status models.TaskStatus, at time.Time) (int, error)
	// MarkUrged increments the urge counter of a pending task.
	MarkUrged(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkReminded records a timeout reminder and moves the next sweep of the task to next.
	MarkReminded(ctx context.Context, id string, at time.Time, next *time.Time) error
	// Reschedule moves the next sweep of the task to next. A nil next takes it out of the sweep.
	Reschedule(ctx context.Context, id string, next *time.Time) error
	// StartDeadline sets the deadline of a pending task that has none yet. It reports false
	// when the task is no longer pending or already carries a deadline.
	StartDeadline(ctx context.Context, id string, deadline time.Time) (bool, error)
	// ListOverdue returns pending tasks whose next sweep is due before now, earliest first.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.ApprovalTask, error)
	CountByApprover(ctx context.Context, approver string) (models.TaskCounts, error)
}

// DelegationRepository reads the externally owned delegation rules.
type DelegationRepository interface {
	Save(ctx context.Context, rule *models.DelegationRule) error
	ListByDelegator(ctx context.Context, delegator string) ([]*models.DelegationRule, error)
	ActiveDelegations(ctx context.Context, delegators []string, at time.Time) ([]*models.DelegationRule, error)
}
