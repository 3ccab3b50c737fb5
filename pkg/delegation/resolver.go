// Package delegation substitutes approvers with their active delegates.
package delegation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/operion-approval/pkg/models"
)

// RuleSource looks up the delegation rules of a set of delegators.
type RuleSource interface {
	ActiveDelegations(ctx context.Context, delegators []string, at time.Time) ([]*models.DelegationRule, error)
}

// Resolver applies delegation rules to a raw approver list.
type Resolver struct {
	rules  RuleSource
	logger *slog.Logger
}

// NewResolver creates a delegation resolver backed by the given rule source.
func NewResolver(rules RuleSource, logger *slog.Logger) *Resolver {
	return &Resolver{
		rules:  rules,
		logger: logger.With("module", "delegation_resolver"),
	}
}

// Resolve returns the effective approvers at the given time. Substitution is a single hop: a
// delegatee is never itself substituted, so rule cycles cannot loop. The result keeps the first
// occurrence order of the input and contains every identity once.
func (r *Resolver) Resolve(ctx context.Context, approvers []string, workflowID string, now time.Time) ([]string, error) {
	if len(approvers) == 0 {
		return []string{}, nil
	}

	rules, err := r.rules.ActiveDelegations(ctx, approvers, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load delegation rules: %w", err)
	}

	substitutes := selectRules(rules, workflowID, now)

	effective := make([]string, 0, len(approvers))
	seen := make(map[string]struct{}, len(approvers))

	for _, approver := range approvers {
		target := approver

		if rule, ok := substitutes[approver]; ok {
			target = rule.Delegatee

			r.logger.DebugContext(ctx, "Approver delegated",
				"delegator", approver,
				"delegatee", target,
				"rule_id", rule.ID,
			)
		}

		if _, dup := seen[target]; dup {
			continue
		}

		seen[target] = struct{}{}
		effective = append(effective, target)
	}

	return effective, nil
}

// selectRules keeps, per delegator, the active in-scope rule with the latest start date.
func selectRules(rules []*models.DelegationRule, workflowID string, now time.Time) map[string]*models.DelegationRule {
	selected := make(map[string]*models.DelegationRule, len(rules))

	for _, rule := range rules {
		if !rule.ActiveAt(now) || !rule.AppliesTo(workflowID) {
			continue
		}

		current, ok := selected[rule.Delegator]
		if !ok || rule.StartDate.After(current.StartDate) {
			selected[rule.Delegator] = rule
		}
	}

	return selected
}

// Dedupe removes empty and repeated identities while keeping the first occurrence order.
func Dedupe(identities []string) []string {
	result := make([]string, 0, len(identities))
	seen := make(map[string]struct{}, len(identities))

	for _, identity := range identities {
		if identity == "" {
			continue
		}

		if _, ok := seen[identity]; ok {
			continue
		}

		seen[identity] = struct{}{}
		result = append(result, identity)
	}

	return result
}
