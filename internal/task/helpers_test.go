package task

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/events"
	"github.com/phrazzld/genflow/internal/generation"
	"github.com/phrazzld/genflow/internal/mocks"
	"github.com/phrazzld/genflow/internal/platform/memory"
	"github.com/phrazzld/genflow/internal/store"
	"github.com/stretchr/testify/require"
)

const eventually = 3 * time.Second

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*events.TaskStateEvent
}

func (e *recordingEmitter) EmitEvent(_ context.Context, event *events.TaskStateEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEmitter) forTask(id uuid.UUID) []*events.TaskStateEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*events.TaskStateEvent
	for _, ev := range e.events {
		if ev.TaskID == id {
			out = append(out, ev)
		}
	}
	return out
}

type recordingEnqueuer struct {
	mu      sync.Mutex
	now     []uuid.UUID
	delayed map[uuid.UUID]time.Duration
	err     error
}

func (e *recordingEnqueuer) Enqueue(rec *domain.TaskRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.now = append(e.now, rec.ID)
	return nil
}

func (e *recordingEnqueuer) EnqueueAfter(rec *domain.TaskRecord, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.delayed == nil {
		e.delayed = make(map[uuid.UUID]time.Duration)
	}
	e.delayed[rec.ID] = delay
}

func (e *recordingEnqueuer) enqueued() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uuid.UUID(nil), e.now...)
}

type harnessConfig struct {
	maxAttempts int
	callTimeout time.Duration
	pollEvery   time.Duration
	pollMaxWait time.Duration
	maxPolls    int
	coalesce    bool
	stuckAge    time.Duration
	sweepEvery  time.Duration
}

type harness struct {
	store      *memory.TaskRecordStore
	emitter    *recordingEmitter
	adapter    *mocks.MockAdapter
	registry   *generation.Registry
	retry      *RetryPolicy
	pool       *ExecutionPool
	scheduler  *PollScheduler
	dispatcher *Dispatcher
	runner     *TaskRunner
}

func newHarness(t *testing.T, adapter *mocks.MockAdapter, configure ...func(*harnessConfig)) *harness {
	t.Helper()

	cfg := harnessConfig{
		maxAttempts: 3,
		callTimeout: time.Second,
		pollEvery:   10 * time.Millisecond,
		pollMaxWait: 2 * time.Second,
		coalesce:    true,
		stuckAge:    time.Hour,
		sweepEvery:  50 * time.Millisecond,
	}
	for _, c := range configure {
		c(&cfg)
	}

	logger := setupTestLogger()
	h := &harness{
		store:    memory.NewTaskRecordStore(),
		emitter:  &recordingEmitter{},
		adapter:  adapter,
		registry: generation.NewRegistry(),
	}
	h.registry.Register(adapter, domain.KindVideo, domain.KindImage, domain.KindAudio, domain.KindScene)

	h.retry = NewRetryPolicy(h.store, h.emitter, RetryPolicyConfig{
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, logger)

	h.scheduler = NewPollScheduler(h.store, h.emitter, h.registry, h.retry, PollSchedulerConfig{
		Interval:       cfg.pollEvery,
		MaxPolls:       cfg.maxPolls,
		Concurrency:    4,
		CallTimeout:    time.Second,
		ResyncInterval: 50 * time.Millisecond,
	}, logger)

	classes := make(map[domain.QueueClass]QueueClassConfig)
	for _, c := range domain.AllQueueClasses() {
		classes[c] = QueueClassConfig{Workers: 2, Burst: 1, Capacity: 64}
	}
	h.pool = NewExecutionPool(h.store, h.emitter, h.registry, h.retry, h.scheduler, ExecutionPoolConfig{
		Classes:      classes,
		CallTimeout:  cfg.callTimeout,
		PollInterval: cfg.pollEvery,
		PollMaxWait:  cfg.pollMaxWait,
	}, logger)

	h.dispatcher = NewDispatcher(h.store, h.registry, h.pool, DispatcherConfig{
		Coalesce:    cfg.coalesce,
		MaxAttempts: cfg.maxAttempts,
	}, logger)

	// The recording emitter counts every emission, so reconciliation is
	// left off here and exercised in runner_test.go.
	h.runner = NewTaskRunner(h.store, nil, h.pool, h.scheduler, h.retry, TaskRunnerConfig{
		StuckTaskAge:           cfg.stuckAge,
		StuckTaskCheckInterval: cfg.sweepEvery,
	}, logger)

	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.runner.Start(context.Background()))
	t.Cleanup(func() { _ = h.runner.Stop() })
}

func (h *harness) submit(t *testing.T, fingerprint string) *domain.TaskRecord {
	t.Helper()
	res, err := h.dispatcher.Submit(context.Background(), SubmitRequest{
		Kind:        domain.KindVideo,
		OwnerID:     "u1",
		Fingerprint: fingerprint,
		Params:      []byte(`{"prompt":"a red fox"}`),
		Priority:    5,
	})
	require.NoError(t, err)
	return res.Record
}

func (h *harness) waitForStatus(t *testing.T, id uuid.UUID, status domain.TaskStatus) *domain.TaskRecord {
	t.Helper()
	var rec *domain.TaskRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = h.store.Get(context.Background(), id)
		return err == nil && rec.Status == status
	}, eventually, 5*time.Millisecond, "task %s never reached %s", id, status)
	return rec
}

// seedRecord stores a record and walks it to status through the store.
func seedRecord(t *testing.T, s *memory.TaskRecordStore, status domain.TaskStatus, handle string) *domain.TaskRecord {
	t.Helper()
	ctx := context.Background()

	rec, err := domain.NewTaskRecord(domain.KindVideo, "u1", "fp-"+uuid.NewString(), nil, 0, 3)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, rec))
	if status == domain.TaskStatusQueued {
		return rec
	}

	rec, err = s.Transition(ctx, rec.ID, domain.TaskStatusQueued, domain.TaskStatusProcessing, storeFields())
	require.NoError(t, err)
	if status == domain.TaskStatusProcessing {
		return rec
	}

	now := time.Now()
	deadline := now.Add(time.Minute)
	rec, err = s.Transition(ctx, rec.ID, domain.TaskStatusProcessing, domain.TaskStatusAwaitingProvider, storeFieldsAwaiting(handle, now, deadline))
	require.NoError(t, err)
	return rec
}

func storeFields() store.TransitionFields { return store.TransitionFields{} }

func storeFieldsAwaiting(handle string, next, deadline time.Time) store.TransitionFields {
	return store.TransitionFields{
		ProviderHandle: store.StringPtr(handle),
		Provider:       store.StringPtr("mock"),
		PollCount:      store.IntPtr(0),
		NextPollAt:     &next,
		PollDeadlineAt: &deadline,
	}
}
