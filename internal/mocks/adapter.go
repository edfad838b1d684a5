package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/generation"
)

// MockAdapter is a mock implementation of generation.Adapter.
type MockAdapter struct {
	NameValue    string
	StartFn      func(ctx context.Context, req generation.Request) (generation.Outcome, error)
	PollStatusFn func(ctx context.Context, handle string) (generation.PollOutcome, error)

	mu         sync.Mutex
	startCalls []generation.Request
	pollCalls  []string
}

var _ generation.Adapter = (*MockAdapter)(nil)

// Name implements generation.Adapter.
func (m *MockAdapter) Name() string {
	if m.NameValue == "" {
		return "mock"
	}
	return m.NameValue
}

// Start implements generation.Adapter.
func (m *MockAdapter) Start(ctx context.Context, req generation.Request) (generation.Outcome, error) {
	m.mu.Lock()
	m.startCalls = append(m.startCalls, req)
	m.mu.Unlock()

	if m.StartFn != nil {
		return m.StartFn(ctx, req)
	}
	return generation.Completed(&domain.Result{URL: "mock://" + req.TaskID.String()}), nil
}

// PollStatus implements generation.Adapter.
func (m *MockAdapter) PollStatus(ctx context.Context, handle string) (generation.PollOutcome, error) {
	m.mu.Lock()
	m.pollCalls = append(m.pollCalls, handle)
	m.mu.Unlock()

	if m.PollStatusFn != nil {
		return m.PollStatusFn(ctx, handle)
	}
	return generation.PollOutcome{}, nil
}

// StartCalls returns the requests passed to Start so far.
func (m *MockAdapter) StartCalls() []generation.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]generation.Request(nil), m.startCalls...)
}

// StartCount returns the number of Start calls.
func (m *MockAdapter) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.startCalls)
}

// PollCount returns the number of PollStatus calls.
func (m *MockAdapter) PollCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pollCalls)
}

// StartStep is one scripted Start response.
type StartStep struct {
	Outcome generation.Outcome
	Err     error
	// Block makes the call wait for ctx to end, simulating a hung provider.
	Block bool
}

// StartDone scripts a finished result.
func StartDone(r *domain.Result) StartStep { return StartStep{Outcome: generation.Completed(r)} }

// StartPending scripts a pending handle.
func StartPending(handle string) StartStep { return StartStep{Outcome: generation.Pending(handle)} }

// StartErr scripts a failure.
func StartErr(err error) StartStep { return StartStep{Err: err} }

// StartHang scripts a call that only returns when its context ends.
func StartHang() StartStep { return StartStep{Block: true} }

// StartSequence returns a StartFn that plays steps in order and repeats
// the last one.
func StartSequence(steps ...StartStep) func(context.Context, generation.Request) (generation.Outcome, error) {
	var (
		mu sync.Mutex
		i  int
	)
	return func(ctx context.Context, _ generation.Request) (generation.Outcome, error) {
		mu.Lock()
		step := steps[min(i, len(steps)-1)]
		i++
		mu.Unlock()

		if step.Block {
			<-ctx.Done()
			return generation.Outcome{}, ctx.Err()
		}
		return step.Outcome, step.Err
	}
}

// PollStep is one scripted PollStatus response.
type PollStep struct {
	Outcome generation.PollOutcome
	Err     error
}

// PollPending scripts a still-pending response.
func PollPending() PollStep { return PollStep{} }

// PollDone scripts a finished result.
func PollDone(r *domain.Result) PollStep { return PollStep{Outcome: generation.PollOutcome{Result: r}} }

// PollErr scripts a failure.
func PollErr(err error) PollStep { return PollStep{Err: err} }

// PollSequence returns a PollStatusFn that plays steps in order and
// repeats the last one.
func PollSequence(steps ...PollStep) func(context.Context, string) (generation.PollOutcome, error) {
	var (
		mu sync.Mutex
		i  int
	)
	return func(context.Context, string) (generation.PollOutcome, error) {
		mu.Lock()
		defer mu.Unlock()
		step := steps[min(i, len(steps)-1)]
		i++
		return step.Outcome, step.Err
	}
}
