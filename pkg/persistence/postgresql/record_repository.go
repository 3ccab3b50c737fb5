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
)

const recordColumns = `id, workflow_id, execution_id, node_id, job_id, initiator, title, status, submitted_at, completed_at`

// RecordRepository handles approval record database operations.
type RecordRepository struct {
	db     dbtx
	logger *slog.Logger
}

// NewRecordRepository creates a new record repository.
func NewRecordRepository(db dbtx, logger *slog.Logger) *RecordRepository {
	return &RecordRepository{db: db, logger: logger}
}

// Create inserts a new approval record.
func (r *RecordRepository) Create(ctx context.Context, record *models.ApprovalRecord) error {
	query := `
		INSERT INTO approval_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.WorkflowID,
		record.ExecutionID,
		record.NodeID,
		record.JobID,
		record.Initiator,
		record.Title,
		record.Status,
		record.SubmittedAt,
		record.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewRecordError("Create", record.ID, persistence.ErrAlreadyExists)
		}

		return fmt.Errorf("failed to create approval record: %w", err)
	}

	return nil
}

// GetByID retrieves a record by its ID.
func (r *RecordRepository) GetByID(ctx context.Context, id string) (*models.ApprovalRecord, error) {
	return r.get(ctx, "GetByID", `SELECT `+recordColumns+` FROM approval_records WHERE id = $1`, id)
}

// Lock retrieves a record and holds a row lock on it until the surrounding transaction ends.
func (r *RecordRepository) Lock(ctx context.Context, id string) (*models.ApprovalRecord, error) {
	return r.get(ctx, "Lock", `SELECT `+recordColumns+` FROM approval_records WHERE id = $1 FOR UPDATE`, id)
}

// Complete sets the final status of a pending record. It reports false when the record had
// already left the pending state.
func (r *RecordRepository) Complete(ctx context.Context, id string, status models.RecordStatus, completedAt time.Time) (bool, error) {
	query := `
		UPDATE approval_records
		SET status = $2, completed_at = $3
		WHERE id = $1 AND status = 'pending'
	`

	result, err := r.db.ExecContext(ctx, query, id, status, completedAt)
	if err != nil {
		return false, fmt.Errorf("failed to complete approval record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		_, err := r.GetByID(ctx, id)
		if err != nil {
			return false, err
		}
	}

	return affected > 0, nil
}

// CountByInitiator counts the records started by an initiator.
func (r *RecordRepository) CountByInitiator(ctx context.Context, initiator string) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_records WHERE initiator = $1`, initiator).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count approval records: %w", err)
	}

	return count, nil
}

func (r *RecordRepository) get(ctx context.Context, op, query, id string) (*models.ApprovalRecord, error) {
	record, err := r.scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRecordError(op, id, persistence.ErrRecordNotFound)
		}

		return nil, fmt.Errorf("failed to scan approval record: %w", err)
	}

	return record, nil
}

func (r *RecordRepository) scanRecord(scanner interface {
	Scan(dest ...any) error
}) (*models.ApprovalRecord, error) {
	var record models.ApprovalRecord

	err := scanner.Scan(
		&record.ID,
		&record.WorkflowID,
		&record.ExecutionID,
		&record.NodeID,
		&record.JobID,
		&record.Initiator,
		&record.Title,
		&record.Status,
		&record.SubmittedAt,
		&record.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	return &record, nil
}
