// Package postgresql provides the PostgreSQL persistence implementation for approval jobs, records and tasks.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/operion-approval/pkg/persistence"
	"github.com/dukex/operion-approval/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so repositories run inside or outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
	repos  *repositories
}

var _ persistence.Persistence = (*Persistence)(nil)

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:     database,
		logger: logger,
		repos:  newRepositories(database, logger),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) JobRepository() persistence.JobRepository {
	return p.repos.jobs
}

func (p *Persistence) RecordRepository() persistence.RecordRepository {
	return p.repos.records
}

func (p *Persistence) TaskRepository() persistence.TaskRepository {
	return p.repos.tasks
}

func (p *Persistence) DelegationRepository() persistence.DelegationRepository {
	return p.repos.delegations
}

// Transaction runs fn inside a database transaction, committing when it returns nil.
func (p *Persistence) Transaction(ctx context.Context, fn persistence.TxFunc) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err = fn(ctx, newRepositories(tx, p.logger))
	if err != nil {
		rollbackErr := tx.Rollback()
		if rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			p.logger.ErrorContext(ctx, "failed to rollback transaction", "error", rollbackErr)
		}

		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

type repositories struct {
	jobs        *JobRepository
	records     *RecordRepository
	tasks       *TaskRepository
	delegations *DelegationRepository
}

func newRepositories(db dbtx, logger *slog.Logger) *repositories {
	return &repositories{
		jobs:        NewJobRepository(db, logger),
		records:     NewRecordRepository(db, logger),
		tasks:       NewTaskRepository(db, logger),
		delegations: NewDelegationRepository(db, logger),
	}
}

func (r *repositories) JobRepository() persistence.JobRepository {
	return r.jobs
}

func (r *repositories) RecordRepository() persistence.RecordRepository {
	return r.records
}

func (r *repositories) TaskRepository() persistence.TaskRepository {
	return r.tasks
}

func (r *repositories) DelegationRepository() persistence.DelegationRepository {
	return r.delegations
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}
