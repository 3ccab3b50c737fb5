package postgresql

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/operion-approval/pkg/models"
	"github.com/lib/pq"
)

const delegationColumns = `id, delegator, delegatee, start_date, end_date, enabled, scope, created_at`

// DelegationRepository handles delegation rule database operations.
type DelegationRepository struct {
	db     dbtx
	logger *slog.Logger
}

// NewDelegationRepository creates a new delegation repository.
func NewDelegationRepository(db dbtx, logger *slog.Logger) *DelegationRepository {
	return &DelegationRepository{db: db, logger: logger}
}

// Save upserts a delegation rule.
func (r *DelegationRepository) Save(ctx context.Context, rule *models.DelegationRule) error {
	query := `
		INSERT INTO approval_delegations (` + delegationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			delegator = EXCLUDED.delegator,
			delegatee = EXCLUDED.delegatee,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			enabled = EXCLUDED.enabled,
			scope = EXCLUDED.scope
	`

	_, err := r.db.ExecContext(ctx, query,
		rule.ID,
		rule.Delegator,
		rule.Delegatee,
		rule.StartDate,
		rule.EndDate,
		rule.Enabled,
		rule.Scope,
		rule.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save delegation rule: %w", err)
	}

	return nil
}

// ListByDelegator returns every rule of a delegator, latest start first.
func (r *DelegationRepository) ListByDelegator(ctx context.Context, delegator string) ([]*models.DelegationRule, error) {
	query := `
		SELECT ` + delegationColumns + `
		FROM approval_delegations
		WHERE delegator = $1
		ORDER BY start_date DESC
	`

	return r.list(ctx, query, delegator)
}

// ActiveDelegations returns the enabled rules of the delegators whose window contains at.
func (r *DelegationRepository) ActiveDelegations(ctx context.Context, delegators []string, at time.Time) ([]*models.DelegationRule, error) {
	query := `
		SELECT ` + delegationColumns + `
		FROM approval_delegations
		WHERE delegator = ANY($1) AND enabled AND start_date <= $2 AND end_date >= $2
	`

	return r.list(ctx, query, pq.Array(delegators), at)
}

func (r *DelegationRepository) list(ctx context.Context, query string, args ...any) ([]*models.DelegationRule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query delegation rules: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	rules := make([]*models.DelegationRule, 0)

	for rows.Next() {
		var rule models.DelegationRule

		err := rows.Scan(
			&rule.ID,
			&rule.Delegator,
			&rule.Delegatee,
			&rule.StartDate,
			&rule.EndDate,
			&rule.Enabled,
			&rule.Scope,
			&rule.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delegation rule: %w", err)
		}

		rules = append(rules, &rule)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating delegation rules: %w", err)
	}

	return rules, nil
}
