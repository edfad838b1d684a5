package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/events"
	"github.com/phrazzld/genflow/internal/platform/logger"
	"github.com/phrazzld/genflow/internal/store"
)

// lifecycle holds what every component that moves records forward needs:
// the store, the event emitter and a clock.
type lifecycle struct {
	store   store.TaskRecordStore
	emitter events.EventEmitter
	now     func() time.Time
}

func newLifecycle(s store.TaskRecordStore, emitter events.EventEmitter) lifecycle {
	return lifecycle{store: s, emitter: emitter, now: time.Now}
}

// complete finalizes rec with result and notifies the owner.
func (l *lifecycle) complete(ctx context.Context, rec *domain.TaskRecord, result *domain.Result) error {
	from := rec.Status
	updated, err := l.store.Transition(ctx, rec.ID, from, domain.TaskStatusCompleted, store.TransitionFields{
		Result: result,
	})
	if err != nil {
		return err
	}
	l.emit(ctx, updated, from, terminalSummary(updated))
	return nil
}

// emit publishes a transition. Emission failures are logged: the record
// is already durable and the runner's reconciliation sweep emits it again.
func (l *lifecycle) emit(ctx context.Context, rec *domain.TaskRecord, from domain.TaskStatus, summary string) {
	if l.emitter == nil {
		return
	}
	if err := l.emitter.EmitEvent(ctx, events.NewTaskStateEvent(rec, from, summary)); err != nil {
		logger.FromContext(ctx).Error("failed to emit task event",
			"task_id", rec.ID,
			"status", rec.Status,
			"error", err)
	}
}

// terminalSummary is the user-visible outcome of a finalized record.
func terminalSummary(rec *domain.TaskRecord) string {
	if rec.Status == domain.TaskStatusCompleted {
		return fmt.Sprintf("%s ready", rec.Kind)
	}
	if rec.Error == nil {
		return "generation failed"
	}
	summary := "generation failed: " + rec.Error.Message
	if rec.Error.Kind != domain.ErrorKindPermanent {
		summary = fmt.Sprintf("generation failed after %d attempts: %s", rec.AttemptCount, rec.Error.Message)
	}
	return truncate(summary, maxSummaryLen)
}

// lostRace reports whether err means another actor already moved the
// record. Such errors are handled locally by dropping the step.
func lostRace(err error) bool {
	return errors.Is(err, store.ErrStaleState) ||
		errors.Is(err, store.ErrTerminalState) ||
		errors.Is(err, store.ErrTaskRecordNotFound)
}

func taskLogger(ctx context.Context, base *slog.Logger, rec *domain.TaskRecord) *slog.Logger {
	if base == nil {
		base = logger.FromContext(ctx)
	}
	return base.With(
		"task_id", rec.ID,
		"kind", rec.Kind,
		"queue_class", rec.QueueClass,
		"owner_id", rec.OwnerID,
		"attempt", rec.AttemptCount,
	)
}
