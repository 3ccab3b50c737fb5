package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/operion-approval/pkg/models"
	"github.com/dukex/operion-approval/pkg/persistence"
	"github.com/lib/pq"
)

const taskColumns = `
	id, record_id, job_id, approver, task_order, status, approval_mode, comment, attachments,
	return_target, deadline, urge_count, last_urged_at, last_reminded_at, processed_at, created_at,
	next_sweep_at`

// TaskRepository handles approval task database operations.
type TaskRepository struct {
	db     dbtx
	logger *slog.Logger
}

// NewTaskRepository creates a new task repository.
func NewTaskRepository(db dbtx, logger *slog.Logger) *TaskRepository {
	return &TaskRepository{db: db, logger: logger}
}

// CreateBatch inserts every task of an approval step.
func (r *TaskRepository) CreateBatch(ctx context.Context, tasks []*models.ApprovalTask) error {
	query := `
		INSERT INTO approval_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	for _, task := range tasks {
		attachments := task.Attachments
		if attachments == nil {
			attachments = []string{}
		}

		_, err := r.db.ExecContext(ctx, query,
			task.ID,
			task.RecordID,
			task.JobID,
			task.Approver,
			task.Order,
			task.Status,
			task.ApprovalMode,
			task.Comment,
			pq.Array(attachments),
			task.ReturnTarget,
			task.Deadline,
			task.UrgeCount,
			task.LastUrgedAt,
			task.LastRemindedAt,
			task.ProcessedAt,
			task.CreatedAt,
			task.NextSweepAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return persistence.NewTaskError("CreateBatch", task.ID, persistence.ErrAlreadyExists)
			}

			return fmt.Errorf("failed to create approval task %s: %w", task.ID, err)
		}
	}

	return nil
}

// GetByID retrieves a task by its ID.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*models.ApprovalTask, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM approval_tasks WHERE id = $1`, id)

	task, err := r.scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTaskError("GetByID", id, persistence.ErrTaskNotFound)
		}

		return nil, fmt.Errorf("failed to scan approval task: %w", err)
	}

	return task, nil
}

// ListByJob returns the tasks of a job ordered by their sequence.
func (r *TaskRepository) ListByJob(ctx context.Context, jobID string) ([]*models.ApprovalTask, error) {
	query := `SELECT ` + taskColumns + ` FROM approval_tasks WHERE job_id = $1 ORDER BY task_order, created_at, id`

	return r.list(ctx, query, jobID)
}

// ListByApprover returns an approver's tasks, newest first.
func (r *TaskRepository) ListByApprover(ctx context.Context, approver string, filter models.TaskFilter) ([]*models.ApprovalTask, error) {
	var status sql.NullString
	if filter.Status != nil {
		status = sql.NullString{String: string(*filter.Status), Valid: true}
	}

	query := `
		SELECT ` + taskColumns + `
		FROM approval_tasks
		WHERE approver = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT NULLIF($3, 0) OFFSET $4
	`

	return r.list(ctx, query, approver, status, filter.Limit, filter.Offset)
}

// Complete applies a terminal write to a pending task. It reports false when the task had
// already been processed.
func (r *TaskRepository) Complete(ctx context.Context, id string, completion models.TaskCompletion) (bool, error) {
	attachments := completion.Attachments
	if attachments == nil {
		attachments = []string{}
	}

	query := `
		UPDATE approval_tasks
		SET status = $2, comment = $3, attachments = $4, return_target = $5, processed_at = $6
		WHERE id = $1 AND status = 'pending'
	`

	return r.guardedUpdate(ctx, "Complete", id, query,
		id,
		completion.Status,
		completion.Comment,
		pq.Array(attachments),
		completion.ReturnTarget,
		completion.ProcessedAt,
	)
}

// ClosePending moves every pending task of a record to status and returns how many were closed.
func (r *TaskRepository) ClosePending(ctx context.Context, recordID string, status models.TaskStatus, at time.Time) (int, error) {
	query := `
		UPDATE approval_tasks
		SET status = $2, processed_at = $3
		WHERE record_id = $1 AND status = 'pending'
	`

	result, err := r.db.ExecContext(ctx, query, recordID, status, at)
	if err != nil {
		return 0, fmt.Errorf("failed to close pending approval tasks: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return int(affected), nil
}

// MarkUrged increments the urge counter of a pending task.
func (r *TaskRepository) MarkUrged(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE approval_tasks
		SET urge_count = urge_count + 1, last_urged_at = $2
		WHERE id = $1 AND status = 'pending'
	`

	return r.guardedUpdate(ctx, "MarkUrged", id, query, id, at)
}

// MarkReminded records when the timeout sweep last reminded the approver and when it should
// look at the task again.
func (r *TaskRepository) MarkReminded(ctx context.Context, id string, at time.Time, next *time.Time) error {
	query := `UPDATE approval_tasks SET last_reminded_at = $2, next_sweep_at = $3 WHERE id = $1`

	return r.sweepUpdate(ctx, "MarkReminded", id, query, id, at, next)
}

// Reschedule moves the next timeout sweep of a task. A nil next keeps the sweep away from it.
func (r *TaskRepository) Reschedule(ctx context.Context, id string, next *time.Time) error {
	return r.sweepUpdate(ctx, "Reschedule", id, `UPDATE approval_tasks SET next_sweep_at = $2 WHERE id = $1`, id, next)
}

// StartDeadline gives a pending task without a deadline its first one.
func (r *TaskRepository) StartDeadline(ctx context.Context, id string, deadline time.Time) (bool, error) {
	query := `
		UPDATE approval_tasks
		SET deadline = $2, next_sweep_at = $2
		WHERE id = $1 AND status = 'pending' AND deadline IS NULL
	`

	return r.guardedUpdate(ctx, "StartDeadline", id, query, id, deadline)
}

// ListOverdue returns pending tasks due for a timeout sweep, earliest first.
func (r *TaskRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.ApprovalTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM approval_tasks
		WHERE status = 'pending' AND next_sweep_at IS NOT NULL AND next_sweep_at < $1
		ORDER BY next_sweep_at, id
		LIMIT NULLIF($2, 0)
	`

	return r.list(ctx, query, now, limit)
}

// CountByApprover aggregates an approver's tasks by outcome.
func (r *TaskRepository) CountByApprover(ctx context.Context, approver string) (models.TaskCounts, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status IN ('approved', 'auto_approved')),
			COUNT(*) FILTER (WHERE status IN ('rejected', 'returned'))
		FROM approval_tasks
		WHERE approver = $1
	`

	var counts models.TaskCounts

	err := r.db.QueryRowContext(ctx, query, approver).Scan(&counts.Pending, &counts.Approved, &counts.Rejected)
	if err != nil {
		return models.TaskCounts{}, fmt.Errorf("failed to count approval tasks: %w", err)
	}

	return counts, nil
}

func (r *TaskRepository) guardedUpdate(ctx context.Context, op, id, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update approval task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected > 0 {
		return true, nil
	}

	var exists bool

	err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM approval_tasks WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check approval task: %w", err)
	}

	if !exists {
		return false, persistence.NewTaskError(op, id, persistence.ErrTaskNotFound)
	}

	return false, nil
}

func (r *TaskRepository) sweepUpdate(ctx context.Context, op, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to schedule approval task sweep: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewTaskError(op, id, persistence.ErrTaskNotFound)
	}

	return nil
}

func (r *TaskRepository) list(ctx context.Context, query string, args ...any) ([]*models.ApprovalTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval tasks: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	tasks := make([]*models.ApprovalTask, 0)

	for rows.Next() {
		task, err := r.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval task: %w", err)
		}

		tasks = append(tasks, task)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating approval tasks: %w", err)
	}

	return tasks, nil
}

func (r *TaskRepository) scanTask(scanner interface {
	Scan(dest ...any) error
}) (*models.ApprovalTask, error) {
	var (
		task        models.ApprovalTask
		attachments pq.StringArray
	)

	err := scanner.Scan(
		&task.ID,
		&task.RecordID,
		&task.JobID,
		&task.Approver,
		&task.Order,
		&task.Status,
		&task.ApprovalMode,
		&task.Comment,
		&attachments,
		&task.ReturnTarget,
		&task.Deadline,
		&task.UrgeCount,
		&task.LastUrgedAt,
		&task.LastRemindedAt,
		&task.ProcessedAt,
		&task.CreatedAt,
		&task.NextSweepAt,
	)
	if err != nil {
		return nil, err
	}

	if len(attachments) > 0 {
		task.Attachments = []string(attachments)
	}

	return &task, nil
}
