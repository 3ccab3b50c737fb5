package models

import "time"

// DelegationRule substitutes a delegatee for a delegator during a date window.
type DelegationRule struct {
	ID        string    `json:"id"`
	Delegator string    `json:"delegator"  validate:"required"`
	Delegatee string    `json:"delegatee"  validate:"required,nefield=Delegator"`
	StartDate time.Time `json:"start_date" validate:"required"`
	EndDate   time.Time `json:"end_date"   validate:"required,gtfield=StartDate"`
	Enabled   bool      `json:"enabled"`
	// Scope optionally restricts the rule to a single workflow.
	Scope     string    `json:"scope,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ActiveAt reports whether the rule substitutes the delegator at the given time.
func (d *DelegationRule) ActiveAt(now time.Time) bool {
	if !d.Enabled {
		return false
	}

	return !now.Before(d.StartDate) && !now.After(d.EndDate)
}

// AppliesTo reports whether the rule scope matches the workflow.
func (d *DelegationRule) AppliesTo(workflowID string) bool {
	return d.Scope == "" || d.Scope == workflowID
}
