// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrJobNotFound indicates a job was not found by the given identifier.
	ErrJobNotFound = errors.New("job not found")

	// ErrRecordNotFound indicates an approval record was not found by the given identifier.
	ErrRecordNotFound = errors.New("approval record not found")

	// ErrTaskNotFound indicates an approval task was not found by the given identifier.
	ErrTaskNotFound = errors.New("approval task not found")

	// ErrAlreadyExists indicates an entity with the same identifier already exists.
	ErrAlreadyExists = errors.New("entity already exists")
)

// EntityError wraps persistence errors with the operation and entity involved.
type EntityError struct {
	Op     string // Operation being performed (e.g., "GetByID", "Complete")
	Entity string // "job", "record", "task" or "delegation"
	ID     string
	Err    error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for entity errors.
func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewJobError creates a new job error with context.
func NewJobError(op, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: "job", ID: id, Err: err}
}

// NewRecordError creates a new record error with context.
func NewRecordError(op, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: "record", ID: id, Err: err}
}

// NewTaskError creates a new task error with context.
func NewTaskError(op, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: "task", ID: id, Err: err}
}

// IsJobNotFound checks if an error indicates a job was not found.
func IsJobNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsRecordNotFound checks if an error indicates a record was not found.
func IsRecordNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}

// IsTaskNotFound checks if an error indicates a task was not found.
func IsTaskNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}

// IsNotFound checks if an error indicates any approval entity was not found.
func IsNotFound(err error) bool {
	return IsJobNotFound(err) || IsRecordNotFound(err) || IsTaskNotFound(err)
}
