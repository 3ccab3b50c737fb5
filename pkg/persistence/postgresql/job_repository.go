package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/operion-approval/pkg/models"
	"github.com/dukex/operion-approval/pkg/persistence"
	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// JobRepository handles approval job database operations.
type JobRepository struct {
	db     dbtx
	logger *slog.Logger
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db dbtx, logger *slog.Logger) *JobRepository {
	return &JobRepository{db: db, logger: logger}
}

// Save inserts a new job together with its configuration snapshot.
func (r *JobRepository) Save(ctx context.Context, job *models.Job) error {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal job config: %w", err)
	}

	summaryJSON, err := marshalSummary(job.Summary)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_jobs (
			id, workflow_id, execution_id, node_id, status, config,
			record_id, reason, summary, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		job.ID,
		job.WorkflowID,
		job.ExecutionID,
		job.NodeID,
		job.Status,
		configJSON,
		job.RecordID,
		job.Reason,
		summaryJSON,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewJobError("Save", job.ID, persistence.ErrAlreadyExists)
		}

		return fmt.Errorf("failed to save job: %w", err)
	}

	return nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `
		SELECT id, workflow_id, execution_id, node_id, status, config,
			   COALESCE(record_id, ''), reason, summary, created_at, updated_at
		FROM approval_jobs
		WHERE id = $1
	`

	job, err := r.scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewJobError("GetByID", id, persistence.ErrJobNotFound)
		}

		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	return job, nil
}

// GetByStep retrieves the job created for a node within an execution.
func (r *JobRepository) GetByStep(ctx context.Context, executionID, nodeID string) (*models.Job, error) {
	query := `
		SELECT id, workflow_id, execution_id, node_id, status, config,
			   COALESCE(record_id, ''), reason, summary, created_at, updated_at
		FROM approval_jobs
		WHERE execution_id = $1 AND node_id = $2
	`

	job, err := r.scanJob(r.db.QueryRowContext(ctx, query, executionID, nodeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewJobError("GetByStep", executionID+"/"+nodeID, persistence.ErrJobNotFound)
		}

		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	return job, nil
}

// Update writes the job status, reason and progress summary.
func (r *JobRepository) Update(ctx context.Context, job *models.Job) error {
	summaryJSON, err := marshalSummary(job.Summary)
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_jobs
		SET status = $2, reason = $3, summary = $4, updated_at = $5
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, job.ID, job.Status, job.Reason, summaryJSON, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewJobError("Update", job.ID, persistence.ErrJobNotFound)
	}

	return nil
}

func (r *JobRepository) scanJob(scanner interface {
	Scan(dest ...any) error
}) (*models.Job, error) {
	var (
		job                     models.Job
		configJSON, summaryJSON []byte
	)

	err := scanner.Scan(
		&job.ID,
		&job.WorkflowID,
		&job.ExecutionID,
		&job.NodeID,
		&job.Status,
		&configJSON,
		&job.RecordID,
		&job.Reason,
		&summaryJSON,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if configJSON != nil {
		err := json.Unmarshal(configJSON, &job.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal job config: %w", err)
		}
	}

	if summaryJSON != nil {
		job.Summary = &models.ApprovalSummary{}

		err := json.Unmarshal(summaryJSON, job.Summary)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal job summary: %w", err)
		}
	}

	return &job, nil
}

func marshalSummary(summary *models.ApprovalSummary) ([]byte, error) {
	if summary == nil {
		return nil, nil
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job summary: %w", err)
	}

	return summaryJSON, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
