package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/events"
	"github.com/phrazzld/genflow/internal/generation"
	"github.com/phrazzld/genflow/internal/platform/logger"
	"github.com/phrazzld/genflow/internal/redact"
	"github.com/phrazzld/genflow/internal/store"
	"golang.org/x/time/rate"
)

// ErrQueueNotBound is returned when a record's queue class has no workers
// in this process.
var ErrQueueNotBound = errors.New("queue class not bound to this process")

// QueueClassConfig configures the workers of one queue class.
type QueueClassConfig struct {
	// Workers is the concurrency ceiling of the class.
	Workers int
	// RatePerSecond limits provider calls started by the class; zero
	// disables limiting.
	RatePerSecond float64
	Burst         int
	Capacity      int
}

// ExecutionPoolConfig holds configuration for the execution pool
type ExecutionPoolConfig struct {
	Classes map[domain.QueueClass]QueueClassConfig

	// CallTimeout bounds each adapter Start call.
	CallTimeout time.Duration

	// PollInterval and PollMaxWait seed the poll bookkeeping of records
	// that enter awaiting_provider.
	PollInterval time.Duration
	PollMaxWait  time.Duration
}

type classQueue struct {
	class   domain.QueueClass
	queue   *PriorityQueue
	limiter *rate.Limiter
	workers int
}

// ExecutionPool runs a fixed set of workers per queue class. Each worker
// claims a queued record with a compare-and-swap transition, calls its
// provider adapter under a timeout, and routes the outcome.
type ExecutionPool struct {
	lifecycle
	registry *generation.Registry
	retry    *RetryPolicy
	handoff  PollHandoff
	classes  map[domain.QueueClass]*classQueue
	config   ExecutionPoolConfig
	logger   *slog.Logger

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	timersMu sync.Mutex
	timers   map[uuid.UUID]*time.Timer
	stopped  bool
}

var _ Enqueuer = (*ExecutionPool)(nil)

// NewExecutionPool creates a pool for the configured queue classes.
// handoff may be nil when no poll scheduler runs in this process; pending
// records are then picked up by the scheduler process's resync.
func NewExecutionPool(
	s store.TaskRecordStore,
	emitter events.EventEmitter,
	registry *generation.Registry,
	retry *RetryPolicy,
	handoff PollHandoff,
	config ExecutionPoolConfig,
	logger *slog.Logger,
) *ExecutionPool {
	log := logger.With("component", "execution_pool")

	p := &ExecutionPool{
		lifecycle: newLifecycle(s, emitter),
		registry:  registry,
		retry:     retry,
		handoff:   handoff,
		classes:   make(map[domain.QueueClass]*classQueue),
		config:    config,
		logger:    log,
		timers:    make(map[uuid.UUID]*time.Timer),
	}

	for class, cc := range config.Classes {
		workers := cc.Workers
		if workers <= 0 {
			log.Warn("invalid worker count specified, using default",
				"queue_class", class,
				"specified_count", cc.Workers,
				"default_count", 1)
			workers = 1
		}
		limit := rate.Inf
		if cc.RatePerSecond > 0 {
			limit = rate.Limit(cc.RatePerSecond)
		}
		burst := cc.Burst
		if burst <= 0 {
			burst = 1
		}
		p.classes[class] = &classQueue{
			class:   class,
			queue:   NewPriorityQueue(cc.Capacity, log.With("queue_class", class)),
			limiter: rate.NewLimiter(limit, burst),
			workers: workers,
		}
	}

	retry.SetEnqueuer(p)
	return p
}

// Classes returns the queue classes bound to this pool.
func (p *ExecutionPool) Classes() []domain.QueueClass {
	out := make([]domain.QueueClass, 0, len(p.classes))
	for _, c := range domain.AllQueueClasses() {
		if _, ok := p.classes[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Binds reports whether the pool has workers for class.
func (p *ExecutionPool) Binds(class domain.QueueClass) bool {
	_, ok := p.classes[class]
	return ok
}

// Enqueue implements Enqueuer. A record whose AvailableAt lies in the
// future is held back until then.
func (p *ExecutionPool) Enqueue(rec *domain.TaskRecord) error {
	if rec.AvailableAt != nil {
		if wait := time.Until(*rec.AvailableAt); wait > 0 {
			p.EnqueueAfter(rec, wait)
			return nil
		}
	}
	cq, ok := p.classes[rec.QueueClass]
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotBound, rec.QueueClass)
	}
	return cq.queue.Enqueue(NewWorkItem(rec))
}

// EnqueueAfter implements Enqueuer. A task already waiting out a delay
// keeps its first timer. Pending delays are dropped on Stop; the records
// stay queued in the store and are recovered on next start.
func (p *ExecutionPool) EnqueueAfter(rec *domain.TaskRecord, delay time.Duration) {
	if _, ok := p.classes[rec.QueueClass]; !ok {
		return
	}
	item := NewWorkItem(rec)

	p.timersMu.Lock()
	defer p.timersMu.Unlock()
	if p.stopped {
		return
	}
	if _, ok := p.timers[item.TaskID]; ok {
		return
	}

	p.timers[item.TaskID] = time.AfterFunc(delay, func() {
		p.timersMu.Lock()
		delete(p.timers, item.TaskID)
		p.timersMu.Unlock()

		if err := p.classes[item.Class].queue.Enqueue(item); err != nil {
			p.logger.Warn("delayed enqueue failed, left for recovery sweep",
				"task_id", item.TaskID,
				"error", err)
		}
	})
}

// Start launches the workers. They run until Stop is called or ctx ends.
func (p *ExecutionPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for _, cq := range p.classes {
		for i := 0; i < cq.workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx, cq, i)
		}
		p.logger.Info("queue class started",
			"queue_class", cq.class,
			"workers", cq.workers)
	}
}

// Stop closes the queues and waits for in-flight work to finish.
func (p *ExecutionPool) Stop() {
	p.timersMu.Lock()
	p.stopped = true
	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = make(map[uuid.UUID]*time.Timer)
	p.timersMu.Unlock()

	for _, cq := range p.classes {
		cq.queue.Close()
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// QueueLen returns the number of items waiting in class's queue.
func (p *ExecutionPool) QueueLen(class domain.QueueClass) int {
	cq, ok := p.classes[class]
	if !ok {
		return 0
	}
	return cq.queue.Len()
}

func (p *ExecutionPool) worker(ctx context.Context, cq *classQueue, id int) {
	defer p.wg.Done()

	log := p.logger.With("queue_class", cq.class, "worker_id", id)
	log.Debug("starting worker")

	for {
		item, err := cq.queue.Dequeue(ctx)
		if err != nil {
			log.Debug("stopping worker", "reason", err)
			return
		}
		if err := cq.limiter.Wait(ctx); err != nil {
			log.Debug("stopping worker", "reason", err)
			return
		}
		p.process(logger.WithLogger(ctx, log), item)
	}
}

// process runs one work item. Every path ends in a store transition or a
// logged no-op; nothing propagates out of the worker.
func (p *ExecutionPool) process(ctx context.Context, item WorkItem) {
	current, err := p.store.Get(ctx, item.TaskID)
	if err != nil {
		logger.FromContext(ctx).Warn("work item dropped",
			"task_id", item.TaskID,
			"error", err)
		return
	}
	if current.Status != domain.TaskStatusQueued {
		return
	}
	if current.AvailableAt != nil {
		if wait := current.AvailableAt.Sub(p.now()); wait > 0 {
			// Duplicate item for a record still backing off.
			p.EnqueueAfter(current, wait)
			return
		}
	}

	rec, err := p.store.Transition(ctx, item.TaskID, domain.TaskStatusQueued, domain.TaskStatusProcessing, store.TransitionFields{})
	if err != nil {
		if lostRace(err) {
			logger.FromContext(ctx).Debug("work item skipped, already claimed",
				"task_id", item.TaskID,
				"error", err)
			return
		}
		logger.FromContext(ctx).Error("failed to claim task",
			"task_id", item.TaskID,
			"error", err)
		return
	}

	log := taskLogger(ctx, logger.FromContext(ctx), rec)
	ctx = logger.WithLogger(ctx, log)

	defer func() {
		if r := recover(); r != nil {
			log.Error("provider call panicked", "panic", fmt.Sprint(r))
			p.fail(ctx, rec, fmt.Errorf("%w: adapter panic", generation.ErrInterrupted))
		}
	}()

	adapter, err := p.registry.ForRecord(rec)
	if err != nil {
		p.fail(ctx, rec, err)
		return
	}

	log.Info("processing task", "provider", adapter.Name())

	outcome, err := p.start(ctx, adapter, rec)
	if err != nil {
		p.fail(ctx, rec, err)
		return
	}

	if !outcome.IsPending() {
		if outcome.Result == nil {
			p.fail(ctx, rec, fmt.Errorf("%w: adapter returned neither result nor handle", generation.ErrInvalidResponse))
			return
		}
		if err := p.complete(ctx, rec, outcome.Result); err != nil {
			p.logTransitionError(ctx, "completed", err)
			return
		}
		log.Info("task completed", "result_url", outcome.Result.URL)
		return
	}

	now := p.now()
	interval := p.config.PollInterval
	if outcome.RetryAfter > 0 {
		interval = outcome.RetryAfter
	}
	nextPoll := now.Add(interval)
	deadline := now.Add(p.config.PollMaxWait)
	if nextPoll.After(deadline) {
		nextPoll = deadline
	}

	updated, err := p.store.Transition(ctx, rec.ID, domain.TaskStatusProcessing, domain.TaskStatusAwaitingProvider, store.TransitionFields{
		ProviderHandle: store.StringPtr(outcome.Handle),
		Provider:       store.StringPtr(adapter.Name()),
		PollCount:      store.IntPtr(0),
		NextPollAt:     &nextPoll,
		PollDeadlineAt: &deadline,
	})
	if err != nil {
		p.logTransitionError(ctx, "awaiting_provider", err)
		return
	}

	log.Info("task awaiting provider",
		"provider_handle", outcome.Handle,
		"next_poll_at", nextPoll)

	if p.handoff != nil {
		p.handoff.Schedule(updated)
	}
}

func (p *ExecutionPool) start(ctx context.Context, adapter generation.Adapter, rec *domain.TaskRecord) (generation.Outcome, error) {
	callCtx := ctx
	if p.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.config.CallTimeout)
		defer cancel()
	}

	outcome, err := adapter.Start(callCtx, generation.Request{
		TaskID:  rec.ID,
		Kind:    rec.Kind,
		OwnerID: rec.OwnerID,
		Params:  rec.Params,
		Attempt: rec.AttemptCount,
	})
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return outcome, generation.Transient(adapter.Name(), "timeout",
			fmt.Sprintf("provider call exceeded %s", p.config.CallTimeout), context.DeadlineExceeded)
	}
	return outcome, err
}

func (p *ExecutionPool) fail(ctx context.Context, rec *domain.TaskRecord, cause error) {
	if ctx.Err() != nil {
		// Shutting down: leave the record processing for the stuck-task
		// monitor rather than recording a failure caused by shutdown.
		logger.FromContext(ctx).Warn("task interrupted by shutdown",
			"error", redact.Error(cause))
		return
	}
	if err := p.retry.Handle(ctx, rec, cause); err != nil {
		logger.FromContext(ctx).Error("failed to apply retry policy", "error", err)
	}
}

func (p *ExecutionPool) logTransitionError(ctx context.Context, target string, err error) {
	log := logger.FromContext(ctx)
	if lostRace(err) {
		log.Info("task moved on before transition", "target", target, "error", err)
		return
	}
	log.Error("failed to transition task", "target", target, "error", err)
}
