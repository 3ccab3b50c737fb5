// Package services provides the approval action gateway and its error taxonomy.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/operion-approval/pkg/persistence"
)

// Authorization Errors (403 Forbidden). Nothing is mutated.
var (
	ErrNotTaskOwner = errors.New("task does not belong to the caller")
	ErrNotInitiator = errors.New("only the initiator can withdraw the record")
	// ErrNotParticipant is returned when the caller neither initiated nor approves a record.
	ErrNotParticipant = errors.New("caller does not take part in the approval record")
)

// Invalid State Errors (409 Conflict).
var (
	ErrTaskNotPending    = errors.New("task is not pending")
	ErrRecordNotPending  = errors.New("approval record is not pending")
	ErrNoPendingTasks    = errors.New("approval record has no pending tasks")
	ErrNotActiveApprover = errors.New("task is not the active approval in sequential mode")
)

// Validation Errors (400 Bad Request).
var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidAction    = errors.New("invalid action")
	ErrActionNotAllowed = errors.New("action not allowed by the approval node")
	ErrMissingTarget    = errors.New("action requires a target user")
	ErrEmptyCaller      = errors.New("caller identity cannot be empty")
)

// Not Found Errors (404 Not Found).
var (
	ErrTaskNotFound   = persistence.ErrTaskNotFound
	ErrRecordNotFound = persistence.ErrRecordNotFound
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsAuthorizationError checks if an error should return HTTP 403.
func IsAuthorizationError(err error) bool {
	return errors.Is(err, ErrNotTaskOwner) ||
		errors.Is(err, ErrNotInitiator) ||
		errors.Is(err, ErrNotParticipant)
}

// IsInvalidStateError checks if an error is a state conflict that should return HTTP 409.
func IsInvalidStateError(err error) bool {
	return errors.Is(err, ErrTaskNotPending) ||
		errors.Is(err, ErrRecordNotPending) ||
		errors.Is(err, ErrNoPendingTasks) ||
		errors.Is(err, ErrNotActiveApprover)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidAction) ||
		errors.Is(err, ErrActionNotAllowed) ||
		errors.Is(err, ErrMissingTarget) ||
		errors.Is(err, ErrEmptyCaller)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return persistence.IsNotFound(err)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func newError(op string, err error) *ServiceError {
	return &ServiceError{Op: op, Err: err}
}
