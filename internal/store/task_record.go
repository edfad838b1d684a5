package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
)

// TaskRecordStore defines the interface for durable task record persistence.
// Version: 1.0
type TaskRecordStore interface {
	// Create persists a new record. It fails with *ConflictError when the
	// record's resource fingerprint already has an active record.
	Create(ctx context.Context, rec *domain.TaskRecord) error

	// Get retrieves a record by ID.
	// Returns ErrTaskRecordNotFound if it does not exist.
	Get(ctx context.Context, id uuid.UUID) (*domain.TaskRecord, error)

	// GetActiveByFingerprint returns the non-terminal record holding the
	// fingerprint, or ErrTaskRecordNotFound.
	GetActiveByFingerprint(ctx context.Context, fingerprint string) (*domain.TaskRecord, error)

	// Transition moves a record from expected to next and applies fields,
	// atomically. It fails with *StaleStateError if the stored status is
	// not expected and with ErrTerminalState if the record is terminal.
	Transition(
		ctx context.Context,
		id uuid.UUID,
		expected domain.TaskStatus,
		next domain.TaskStatus,
		fields TransitionFields,
	) (*domain.TaskRecord, error)

	// ListByStatus returns records in the given status, oldest update first.
	// If olderThan is non-zero, only records not updated within that
	// duration are returned.
	ListByStatus(
		ctx context.Context,
		status domain.TaskStatus,
		olderThan time.Duration,
	) ([]*domain.TaskRecord, error)

	// ListUpdatedSince returns records in the given status updated at or
	// after since, oldest update first.
	ListUpdatedSince(
		ctx context.Context,
		status domain.TaskStatus,
		since time.Time,
	) ([]*domain.TaskRecord, error)
}

// TransitionFields carries the optional field updates of a transition.
// A nil pointer leaves the stored value unchanged. Fields tied to a status
// are cleared by ApplyTransition when the record leaves that status.
type TransitionFields struct {
	AttemptCount   *int
	ProviderHandle *string
	Provider       *string
	PollCount      *int
	AvailableAt    *time.Time
	NextPollAt     *time.Time
	PollDeadlineAt *time.Time
	Result         *domain.Result
	Error          *domain.ErrorDetail
}

var allowedTransitions = map[domain.TaskStatus][]domain.TaskStatus{
	domain.TaskStatusQueued: {
		domain.TaskStatusProcessing,
	},
	domain.TaskStatusProcessing: {
		domain.TaskStatusCompleted,
		domain.TaskStatusAwaitingProvider,
		domain.TaskStatusFailed,
		domain.TaskStatusQueued,
	},
	domain.TaskStatusAwaitingProvider: {
		domain.TaskStatusAwaitingProvider,
		domain.TaskStatusCompleted,
		domain.TaskStatusFailed,
		domain.TaskStatusQueued,
	},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to domain.TaskStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ApplyTransition checks the compare-and-swap precondition against rec and
// mutates rec in place. rec must be the currently stored value; on error
// it is left untouched.
func ApplyTransition(
	rec *domain.TaskRecord,
	expected domain.TaskStatus,
	next domain.TaskStatus,
	fields TransitionFields,
	now time.Time,
) error {
	if rec.Status != expected {
		return &StaleStateError{Expected: expected, Actual: rec.Status}
	}
	if rec.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s", ErrTerminalState, rec.ID, rec.Status)
	}
	if !CanTransition(expected, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}

	updated := rec.Clone()
	if fields.AttemptCount != nil {
		updated.AttemptCount = *fields.AttemptCount
	}
	if fields.ProviderHandle != nil {
		updated.ProviderHandle = *fields.ProviderHandle
	}
	if fields.Provider != nil {
		updated.Provider = *fields.Provider
	}
	if fields.PollCount != nil {
		updated.PollCount = *fields.PollCount
	}
	if fields.AvailableAt != nil {
		t := fields.AvailableAt.UTC()
		updated.AvailableAt = &t
	}
	if fields.NextPollAt != nil {
		t := fields.NextPollAt.UTC()
		updated.NextPollAt = &t
	}
	if fields.PollDeadlineAt != nil {
		t := fields.PollDeadlineAt.UTC()
		updated.PollDeadlineAt = &t
	}
	if fields.Result != nil {
		r := *fields.Result
		updated.Result = &r
	}
	if fields.Error != nil {
		e := *fields.Error
		updated.Error = &e
	}

	switch next {
	case domain.TaskStatusAwaitingProvider:
		updated.AvailableAt = nil
	case domain.TaskStatusQueued:
		clearPollState(updated)
	case domain.TaskStatusCompleted:
		clearPollState(updated)
		updated.AvailableAt = nil
		updated.Error = nil
	default:
		clearPollState(updated)
		updated.AvailableAt = nil
	}

	updated.Status = next
	updated.UpdatedAt = now.UTC()

	if err := updated.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	*rec = *updated
	return nil
}

func clearPollState(rec *domain.TaskRecord) {
	rec.ProviderHandle = ""
	rec.NextPollAt = nil
	rec.PollDeadlineAt = nil
	rec.PollCount = 0
}

// IntPtr returns a pointer to v, for building TransitionFields.
func IntPtr(v int) *int { return &v }

// StringPtr returns a pointer to v.
func StringPtr(v string) *string { return &v }

// TimePtr returns a pointer to v.
func TimePtr(v time.Time) *time.Time { return &v }
