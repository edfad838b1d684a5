package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
)

// TaskStateEvent records that a task record moved to a new status.
type TaskStateEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	TaskID  uuid.UUID         `json:"task_id"`
	OwnerID string            `json:"owner_id"`
	Kind    domain.Kind       `json:"kind"`
	From    domain.TaskStatus `json:"from"`
	Status  domain.TaskStatus `json:"status"`

	// Summary is a short user-visible description of the outcome.
	Summary string `json:"summary"`

	Attempt int `json:"attempt"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// NewTaskStateEvent builds an event for rec, which must already carry its
// new status.
func NewTaskStateEvent(rec *domain.TaskRecord, from domain.TaskStatus, summary string) *TaskStateEvent {
	return &TaskStateEvent{
		ID:        uuid.New(),
		TaskID:    rec.ID,
		OwnerID:   rec.OwnerID,
		Kind:      rec.Kind,
		From:      from,
		Status:    rec.Status,
		Summary:   summary,
		Attempt:   rec.AttemptCount,
		CreatedAt: time.Now().UTC(),
	}
}

// IsTerminal reports whether the event finalizes its task.
func (e *TaskStateEvent) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// EventHandler defines an interface for components that can handle events.
// Handlers are responsible for processing events and taking appropriate actions.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *TaskStateEvent) error
}

// EventEmitter defines an interface for components that can emit events.
// This allows services to publish events without direct knowledge of handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *TaskStateEvent) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event *TaskStateEvent) error

// HandleEvent calls f.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event *TaskStateEvent) error {
	return f(ctx, event)
}
