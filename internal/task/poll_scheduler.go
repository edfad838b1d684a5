package task

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/events"
	"github.com/phrazzld/genflow/internal/generation"
	"github.com/phrazzld/genflow/internal/platform/logger"
	"github.com/phrazzld/genflow/internal/redact"
	"github.com/phrazzld/genflow/internal/store"
	"github.com/sourcegraph/conc/pool"
)

// PollSchedulerConfig holds configuration for the poll scheduler
type PollSchedulerConfig struct {
	// Interval between status checks unless the provider suggests one.
	Interval time.Duration
	// MaxPolls caps status checks per attempt; zero means only the
	// deadline applies.
	MaxPolls int
	// Concurrency bounds simultaneous status checks.
	Concurrency int
	// CallTimeout bounds each status check.
	CallTimeout time.Duration
	// ResyncInterval is how often records awaiting a provider are reloaded
	// from the store, picking up handles issued by other processes.
	ResyncInterval time.Duration
}

// DefaultPollSchedulerConfig returns a PollSchedulerConfig with reasonable defaults
func DefaultPollSchedulerConfig() PollSchedulerConfig {
	return PollSchedulerConfig{
		Interval:       30 * time.Second,
		Concurrency:    16,
		CallTimeout:    20 * time.Second,
		ResyncInterval: 30 * time.Second,
	}
}

type pollEntry struct {
	taskID uuid.UUID
	due    time.Time
	index  int
}

// PollScheduler re-checks pending provider operations. It keeps a heap of
// records ordered by next poll time and runs due checks on a bounded pool,
// so a slow provider never delays checks of other records. The heap is a
// cache of the store and is rebuilt by Rehydrate.
type PollScheduler struct {
	lifecycle
	registry *generation.Registry
	retry    *RetryPolicy
	config   PollSchedulerConfig
	logger   *slog.Logger

	mu       sync.Mutex
	entries  pollHeap
	index    map[uuid.UUID]*pollEntry
	inflight mapset.Set[uuid.UUID]
	wake     chan struct{}
}

var _ PollHandoff = (*PollScheduler)(nil)

// NewPollScheduler creates a poll scheduler.
func NewPollScheduler(
	s store.TaskRecordStore,
	emitter events.EventEmitter,
	registry *generation.Registry,
	retry *RetryPolicy,
	config PollSchedulerConfig,
	logger *slog.Logger,
) *PollScheduler {
	def := DefaultPollSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.ResyncInterval <= 0 {
		config.ResyncInterval = config.Interval
	}
	return &PollScheduler{
		lifecycle: newLifecycle(s, emitter),
		registry:  registry,
		retry:     retry,
		config:    config,
		logger:    logger.With("component", "poll_scheduler"),
		index:     make(map[uuid.UUID]*pollEntry),
		inflight:  mapset.NewThreadUnsafeSet[uuid.UUID](),
		wake:      make(chan struct{}, 1),
	}
}

// Schedule implements PollHandoff. Records that are not awaiting a
// provider are ignored.
func (s *PollScheduler) Schedule(rec *domain.TaskRecord) {
	if rec.Status != domain.TaskStatusAwaitingProvider {
		return
	}
	due := s.now()
	if rec.NextPollAt != nil {
		due = *rec.NextPollAt
	}
	s.scheduleAt(rec.ID, due)
}

func (s *PollScheduler) scheduleAt(id uuid.UUID, due time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// An in-flight check reschedules its record when it finishes.
	if s.inflight.Contains(id) {
		return
	}
	if e, ok := s.index[id]; ok {
		e.due = due
		heap.Fix(&s.entries, e.index)
	} else {
		e := &pollEntry{taskID: id, due: due}
		heap.Push(&s.entries, e)
		s.index[id] = e
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of scheduled and in-flight checks.
func (s *PollScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) + s.inflight.Cardinality()
}

// Rehydrate loads every record awaiting a provider from the store and
// schedules it. It returns the number of records found.
func (s *PollScheduler) Rehydrate(ctx context.Context) (int, error) {
	recs, err := s.store.ListByStatus(ctx, domain.TaskStatusAwaitingProvider, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list awaiting tasks: %w", err)
	}
	for _, rec := range recs {
		s.Schedule(rec)
	}
	return len(recs), nil
}

// Run rehydrates from the store and then runs the scheduling loop until
// ctx is done. In-flight checks are waited for before returning.
func (s *PollScheduler) Run(ctx context.Context) error {
	n, err := s.Rehydrate(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("poll scheduler started", "resumed", n)

	workers := pool.New().WithMaxGoroutines(s.config.Concurrency)
	defer workers.Wait()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	resync := time.NewTicker(s.config.ResyncInterval)
	defer resync.Stop()

	for {
		for _, id := range s.popDue(s.now()) {
			id := id
			workers.Go(func() {
				next := s.poll(ctx, id)
				s.finish(id, next)
			})
		}

		timer.Reset(s.untilNext())

		select {
		case <-ctx.Done():
			s.logger.Info("poll scheduler stopping", "pending", s.Pending())
			return nil
		case <-s.wake:
		case <-timer.C:
		case <-resync.C:
			if _, err := s.Rehydrate(ctx); err != nil {
				s.logger.Error("poll resync failed", "error", err)
			}
		}
	}
}

func (s *PollScheduler) popDue(now time.Time) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []uuid.UUID
	for len(s.entries) > 0 && !s.entries[0].due.After(now) {
		e := heap.Pop(&s.entries).(*pollEntry)
		delete(s.index, e.taskID)
		s.inflight.Add(e.taskID)
		due = append(due, e.taskID)
	}
	return due
}

func (s *PollScheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return s.config.ResyncInterval
	}
	d := time.Until(s.entries[0].due)
	if d < 0 {
		return 0
	}
	return d
}

func (s *PollScheduler) finish(id uuid.UUID, next *time.Time) {
	s.mu.Lock()
	s.inflight.Remove(id)
	s.mu.Unlock()

	if next != nil {
		s.scheduleAt(id, *next)
	}
}

// poll runs one status check and returns when the record should be checked
// again, or nil when it left awaiting_provider.
func (s *PollScheduler) poll(ctx context.Context, id uuid.UUID) *time.Time {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if lostRace(err) || ctx.Err() != nil {
			return nil
		}
		s.logger.Error("failed to load awaiting task", "task_id", id, "error", err)
		retryAt := s.now().Add(s.config.Interval)
		return &retryAt
	}
	if rec.Status != domain.TaskStatusAwaitingProvider {
		return nil
	}

	log := taskLogger(ctx, s.logger, rec).With("provider_handle", rec.ProviderHandle, "poll", rec.PollCount+1)
	ctx = logger.WithLogger(ctx, log)

	if rec.NextPollAt != nil && s.now().Before(*rec.NextPollAt) {
		return rec.NextPollAt
	}

	adapter, err := s.registry.ForRecord(rec)
	if err != nil {
		s.handleFailure(ctx, rec, err)
		return nil
	}

	outcome, err := s.check(ctx, adapter, rec.ProviderHandle)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if generation.Classify(err) == generation.ClassPermanent {
			s.handleFailure(ctx, rec, err)
			return nil
		}
		log.Warn("status check failed, will check again", "error", redact.Error(err))
		outcome = generation.PollOutcome{}
	}

	if !outcome.StillPending() {
		if err := s.complete(ctx, rec, outcome.Result); err != nil {
			if !lostRace(err) {
				log.Error("failed to complete task", "error", err)
				retryAt := s.now().Add(s.config.Interval)
				return &retryAt
			}
			log.Info("late poll result discarded, task moved on", "error", err)
			return nil
		}
		log.Info("task completed", "result_url", outcome.Result.URL)
		return nil
	}

	now := s.now()
	polls := rec.PollCount + 1
	deadlinePassed := rec.PollDeadlineAt != nil && !now.Before(*rec.PollDeadlineAt)
	if deadlinePassed || (s.config.MaxPolls > 0 && polls >= s.config.MaxPolls) {
		s.handleFailure(ctx, rec, fmt.Errorf("%w: still pending after %d checks", generation.ErrPollDeadlineExceeded, polls))
		return nil
	}

	interval := s.config.Interval
	if outcome.RetryAfter > 0 {
		interval = outcome.RetryAfter
	}
	next := now.Add(interval)
	if rec.PollDeadlineAt != nil && next.After(*rec.PollDeadlineAt) {
		next = *rec.PollDeadlineAt
	}

	updated, err := s.store.Transition(ctx, rec.ID, domain.TaskStatusAwaitingProvider, domain.TaskStatusAwaitingProvider, store.TransitionFields{
		PollCount:  store.IntPtr(polls),
		NextPollAt: &next,
	})
	if err != nil {
		if lostRace(err) {
			return nil
		}
		log.Error("failed to record poll", "error", err)
		return &next
	}

	log.Debug("task still pending", "next_poll_at", next)
	return updated.NextPollAt
}

func (s *PollScheduler) check(ctx context.Context, adapter generation.Adapter, handle string) (generation.PollOutcome, error) {
	if s.config.CallTimeout <= 0 {
		return adapter.PollStatus(ctx, handle)
	}
	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()
	return adapter.PollStatus(callCtx, handle)
}

func (s *PollScheduler) handleFailure(ctx context.Context, rec *domain.TaskRecord, cause error) {
	if err := s.retry.Handle(ctx, rec, cause); err != nil {
		logger.FromContext(ctx).Error("failed to apply retry policy", "error", err)
	}
}

type pollHeap []*pollEntry

func (h pollHeap) Len() int           { return len(h) }
func (h pollHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }

func (h pollHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pollHeap) Push(x any) {
	e := x.(*pollEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *pollHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
