package store

import (
	"errors"
	"fmt"

	"github.com/phrazzld/genflow/internal/domain"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrUpdateFailed is returned when an update operation fails for a reason
	// other than a lost compare-and-swap.
	ErrUpdateFailed = errors.New("update failed")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrConflict is returned when a task record is created for a resource
	// fingerprint that already has an active record.
	ErrConflict = errors.New("active task already exists for resource")

	// ErrStaleState is returned when a transition's expected status does not
	// match the stored status.
	ErrStaleState = errors.New("stale task state")

	// ErrTerminalState is returned when a transition targets a record that is
	// already completed or failed.
	ErrTerminalState = errors.New("task is in a terminal state")

	// ErrInvalidTransition is returned when the requested status edge does not
	// exist in the task state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTaskRecordNotFound indicates that the requested task record does not exist.
	ErrTaskRecordNotFound = fmt.Errorf("%w: task record", ErrNotFound)

	// ErrNotificationNotFound indicates that no notification matched.
	ErrNotificationNotFound = fmt.Errorf("%w: notification", ErrNotFound)
)

// ConflictError reports that a resource fingerprint already has an active
// task record. Existing is that record, so callers can keep tracking it.
type ConflictError struct {
	Fingerprint string
	Existing    *domain.TaskRecord
}

// Error implements the error interface for ConflictError.
func (e *ConflictError) Error() string {
	if e.Existing != nil {
		return fmt.Sprintf("%v: fingerprint %q is held by task %s (%s)",
			ErrConflict, e.Fingerprint, e.Existing.ID, e.Existing.Status)
	}
	return fmt.Sprintf("%v: fingerprint %q", ErrConflict, e.Fingerprint)
}

// Unwrap returns ErrConflict so callers can use errors.Is.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// StaleStateError reports a lost compare-and-swap on a record's status.
type StaleStateError struct {
	Expected domain.TaskStatus
	Actual   domain.TaskStatus
}

// Error implements the error interface for StaleStateError.
func (e *StaleStateError) Error() string {
	return fmt.Sprintf("%v: expected %s, found %s", ErrStaleState, e.Expected, e.Actual)
}

// Unwrap returns ErrStaleState so callers can use errors.Is.
func (e *StaleStateError) Unwrap() error {
	return ErrStaleState
}

// StoreError is a custom error type for store-specific errors with additional context.
type StoreError struct {
	Entity    string // The entity type (e.g., "task_record", "notification")
	Operation string // The operation that failed (e.g., "create", "transition")
	Message   string // Error message
	Err       error  // Original error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf(
			"%s operation on %s failed: %s: %v",
			e.Operation,
			e.Entity,
			e.Message,
			e.Err,
		)
	}
	return fmt.Sprintf("%s operation on %s failed: %s", e.Operation, e.Entity, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError with the given entity, operation, message, and wrapped error.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{
		Entity:    entity,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
