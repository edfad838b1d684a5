package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/events"
	"github.com/phrazzld/genflow/internal/generation"
	"github.com/phrazzld/genflow/internal/store"
)

// TaskRunnerConfig holds configuration for the task runner
type TaskRunnerConfig struct {
	// StuckTaskAge defines how long a task can be in processing state
	// before it's considered interrupted and handed to the retry policy.
	StuckTaskAge time.Duration

	// StuckTaskCheckInterval defines how often to check for stuck tasks
	// and for queued tasks missing from the local queues.
	// If zero, defaults to 1 minute
	StuckTaskCheckInterval time.Duration

	// NotifyReconcileWindow is how far back the reconciliation sweep looks
	// for finalized tasks. If zero, defaults to 15 minutes.
	NotifyReconcileWindow time.Duration
}

// DefaultTaskRunnerConfig returns a TaskRunnerConfig with reasonable defaults
func DefaultTaskRunnerConfig() TaskRunnerConfig {
	return TaskRunnerConfig{
		StuckTaskAge:           10 * time.Minute,
		StuckTaskCheckInterval: time.Minute,
		NotifyReconcileWindow:  15 * time.Minute,
	}
}

// TaskRunner owns the background side of a process: the execution pool,
// the poll scheduler, or both. Either may be nil when the process does
// not run that role. With an emitter it also re-emits the terminal events
// of recently finalized tasks so lost notifications are recorded.
type TaskRunner struct {
	store     store.TaskRecordStore
	emitter   events.EventEmitter
	pool      *ExecutionPool
	scheduler *PollScheduler
	retry     *RetryPolicy
	config    TaskRunnerConfig
	logger    *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
}

// NewTaskRunner creates a new TaskRunner
func NewTaskRunner(
	s store.TaskRecordStore,
	emitter events.EventEmitter,
	pool *ExecutionPool,
	scheduler *PollScheduler,
	retry *RetryPolicy,
	config TaskRunnerConfig,
	logger *slog.Logger,
) *TaskRunner {
	if config.StuckTaskCheckInterval == 0 {
		config.StuckTaskCheckInterval = time.Minute
	}
	if config.NotifyReconcileWindow == 0 {
		config.NotifyReconcileWindow = 15 * time.Minute
	}
	return &TaskRunner{
		store:     s,
		emitter:   emitter,
		pool:      pool,
		scheduler: scheduler,
		retry:     retry,
		config:    config,
		logger:    logger.With("component", "task_runner"),
	}
}

// Start recovers unfinished work from the store and launches the
// configured components. It returns once they are running.
func (r *TaskRunner) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	if r.emitter != nil {
		r.reconcile(ctx)
	}

	if r.pool != nil {
		if err := r.Recover(ctx); err != nil {
			r.cancel()
			return fmt.Errorf("failed to recover tasks: %w", err)
		}
		r.pool.Start(ctx)
	}

	if r.pool != nil || r.emitter != nil {
		r.wg.Add(1)
		go r.monitor(ctx)
	}

	if r.scheduler != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.scheduler.Run(ctx); err != nil {
				r.logger.Error("poll scheduler stopped with error", "error", err)
				r.errOnce.Do(func() { r.err = err })
			}
		}()
	}

	return nil
}

// Stop gracefully shuts down the runner and returns the first error a
// component stopped with.
func (r *TaskRunner) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.pool != nil {
		r.pool.Stop()
	}
	r.wg.Wait()
	return r.err
}

// Recover hands interrupted processing records to the retry policy and
// enqueues queued records bound to the local pool.
func (r *TaskRunner) Recover(ctx context.Context) error {
	stuck, err := r.recoverStuck(ctx)
	if err != nil {
		return err
	}
	queued, err := r.enqueueQueued(ctx)
	if err != nil {
		return err
	}

	r.logger.Info("recovered unfinished tasks",
		"queued_count", queued,
		"interrupted_count", stuck)
	return nil
}

func (r *TaskRunner) recoverStuck(ctx context.Context) (int, error) {
	recs, err := r.store.ListByStatus(ctx, domain.TaskStatusProcessing, r.config.StuckTaskAge)
	if err != nil {
		return 0, fmt.Errorf("failed to get processing tasks: %w", err)
	}

	n := 0
	for _, rec := range recs {
		if !r.pool.Binds(rec.QueueClass) {
			continue
		}
		cause := fmt.Errorf("%w: processing since %s", generation.ErrInterrupted, rec.UpdatedAt.Format(time.RFC3339))
		if err := r.retry.Handle(ctx, rec, cause); err != nil {
			r.logger.Error("failed to recover stuck task",
				"task_id", rec.ID,
				"error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (r *TaskRunner) enqueueQueued(ctx context.Context) (int, error) {
	recs, err := r.store.ListByStatus(ctx, domain.TaskStatusQueued, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to get queued tasks: %w", err)
	}

	n := 0
	for _, rec := range recs {
		if !r.pool.Binds(rec.QueueClass) {
			continue
		}
		if err := r.pool.Enqueue(rec); err != nil {
			if errors.Is(err, ErrQueueFull) {
				r.logger.Warn("queue full, remaining tasks left for next sweep",
					"queue_class", rec.QueueClass)
				continue
			}
			r.logger.Error("failed to requeue task",
				"task_id", rec.ID,
				"error", err)
			continue
		}
		n++
	}
	return n, nil
}

// ReconcileNotifications re-emits the terminal event of every task
// finalized within the reconcile window. Handlers record an event at most
// once, so only events whose first emission was lost take effect. It
// returns the number of events emitted.
func (r *TaskRunner) ReconcileNotifications(ctx context.Context) (int, error) {
	if r.emitter == nil {
		return 0, nil
	}
	since := time.Now().Add(-r.config.NotifyReconcileWindow)

	n := 0
	for _, status := range []domain.TaskStatus{domain.TaskStatusCompleted, domain.TaskStatusFailed} {
		recs, err := r.store.ListUpdatedSince(ctx, status, since)
		if err != nil {
			return n, fmt.Errorf("failed to get %s tasks: %w", status, err)
		}
		for _, rec := range recs {
			event := events.NewTaskStateEvent(rec, "", terminalSummary(rec))
			if err := r.emitter.EmitEvent(ctx, event); err != nil {
				r.logger.Warn("failed to re-emit task event",
					"task_id", rec.ID,
					"status", rec.Status,
					"error", err)
				continue
			}
			n++
		}
	}
	return n, nil
}

func (r *TaskRunner) reconcile(ctx context.Context) {
	n, err := r.ReconcileNotifications(ctx)
	if err != nil {
		r.logger.Error("failed to reconcile notifications", "error", err)
		return
	}
	r.logger.Debug("reconciled notifications", "emitted_count", n)
}

// monitor periodically repeats recovery, catching records stuck in
// processing and queued records this process has not seen, and
// reconciles notifications.
func (r *TaskRunner) monitor(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.StuckTaskCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.pool != nil {
				r.sweep(ctx)
			}
			if r.emitter != nil {
				r.reconcile(ctx)
			}
		}
	}
}

func (r *TaskRunner) sweep(ctx context.Context) {
	stuck, err := r.recoverStuck(ctx)
	if err != nil {
		r.logger.Error("failed to check for stuck tasks", "error", err)
	} else if stuck > 0 {
		r.logger.Info("recovered stuck tasks", "count", stuck)
	}
	if _, err := r.enqueueQueued(ctx); err != nil {
		r.logger.Error("failed to sweep queued tasks", "error", err)
	}
}
