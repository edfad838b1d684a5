package task

import (
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
)

// WorkItem is a queued reference to a task record. Workers always reload
// the record from the store, so a stale item is harmless.
type WorkItem struct {
	TaskID     uuid.UUID
	Class      domain.QueueClass
	Priority   int
	EnqueuedAt time.Time

	seq uint64
}

// NewWorkItem builds a work item for rec.
func NewWorkItem(rec *domain.TaskRecord) WorkItem {
	return WorkItem{
		TaskID:     rec.ID,
		Class:      rec.QueueClass,
		Priority:   rec.Priority,
		EnqueuedAt: time.Now(),
	}
}

// Enqueuer accepts queued records for execution.
type Enqueuer interface {
	// Enqueue makes rec available to workers, honouring rec.AvailableAt.
	Enqueue(rec *domain.TaskRecord) error

	// EnqueueAfter makes rec available to workers after delay.
	EnqueueAfter(rec *domain.TaskRecord, delay time.Duration)
}

// PollHandoff accepts records that entered awaiting_provider.
type PollHandoff interface {
	Schedule(rec *domain.TaskRecord)
}
