package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/generation"
	"github.com/phrazzld/genflow/internal/platform/memory"
	"github.com/phrazzld/genflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(memory.NewTaskRecordStore(), nil, RetryPolicyConfig{
		BaseBackoff: time.Second,
		MaxBackoff:  10 * time.Second,
	}, setupTestLogger())

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}
	for attempt, w := range want {
		assert.Equal(t, w, p.Backoff(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, 10*time.Second, p.Backoff(200))
}

func TestRetryPolicy_BackoffJitter(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(memory.NewTaskRecordStore(), nil, RetryPolicyConfig{
		BaseBackoff:   time.Second,
		MaxBackoff:    time.Minute,
		JitterPercent: 10,
	}, setupTestLogger())

	for i := 0; i < 20; i++ {
		d := p.Backoff(2)
		assert.InDelta(t, float64(4*time.Second), float64(d), float64(400*time.Millisecond))
	}
}

func TestRetryPolicy_Decide(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(memory.NewTaskRecordStore(), nil, DefaultRetryPolicyConfig(), setupTestLogger())
	rec := &domain.TaskRecord{AttemptCount: 0, MaxAttempts: 3}

	tests := []struct {
		name      string
		attempts  int
		err       error
		wantRetry bool
		wantKind  domain.ErrorKind
	}{
		{"transient first attempt", 0, generation.Transient("p", "503", "busy", nil), true, domain.ErrorKindTransient},
		{"transient second attempt", 1, errors.New("reset"), true, domain.ErrorKindTransient},
		{"transient at ceiling", 2, errors.New("reset"), false, domain.ErrorKindTransient},
		{"permanent", 0, generation.Permanent("p", "400", "bad prompt", nil), false, domain.ErrorKindPermanent},
		{"poll deadline", 0, generation.ErrPollDeadlineExceeded, true, domain.ErrorKindDeadline},
		{"call timeout", 1, context.DeadlineExceeded, true, domain.ErrorKindDeadline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := *rec
			r.AttemptCount = tt.attempts
			d := p.Decide(&r, tt.err)
			assert.Equal(t, tt.wantRetry, d.Retry)
			assert.Equal(t, tt.wantKind, d.Detail.Kind)
			assert.Equal(t, tt.attempts+1, d.Attempts)
			if tt.wantRetry {
				assert.Positive(t, d.Delay)
			} else {
				assert.Zero(t, d.Delay)
			}
		})
	}
}

func TestRetryPolicy_Handle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	newPolicy := func() (*memory.TaskRecordStore, *recordingEmitter, *recordingEnqueuer, *RetryPolicy) {
		s := memory.NewTaskRecordStore()
		em := &recordingEmitter{}
		enq := &recordingEnqueuer{}
		p := NewRetryPolicy(s, em, RetryPolicyConfig{BaseBackoff: time.Second, MaxBackoff: time.Minute}, setupTestLogger())
		p.SetEnqueuer(enq)
		return s, em, enq, p
	}

	t.Run("transient requeues with backoff", func(t *testing.T) {
		s, em, enq, p := newPolicy()
		rec := seedRecord(t, s, domain.TaskStatusProcessing, "")

		before := time.Now()
		require.NoError(t, p.Handle(ctx, rec, generation.Transient("veo", "503", "unavailable", nil)))

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusQueued, got.Status)
		assert.Equal(t, 1, got.AttemptCount)
		require.NotNil(t, got.AvailableAt)
		assert.False(t, got.AvailableAt.Before(before.Add(time.Second)))
		require.NotNil(t, got.Error)
		assert.Equal(t, "veo", got.Error.Provider)
		assert.Equal(t, "503", got.Error.Code)

		assert.Equal(t, time.Second, enq.delayed[rec.ID])
		assert.Empty(t, em.forTask(rec.ID), "retries are not notified")
	})

	t.Run("permanent fails once", func(t *testing.T) {
		s, em, enq, p := newPolicy()
		rec := seedRecord(t, s, domain.TaskStatusAwaitingProvider, "op-9")

		require.NoError(t, p.Handle(ctx, rec, generation.Permanent("veo", "400", "prompt rejected", nil)))

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusFailed, got.Status)
		assert.Empty(t, got.ProviderHandle)
		assert.Equal(t, domain.ErrorKindPermanent, got.Error.Kind)
		assert.Empty(t, enq.delayed)

		evs := em.forTask(rec.ID)
		require.Len(t, evs, 1)
		assert.Equal(t, domain.TaskStatusFailed, evs[0].Status)
		assert.Equal(t, domain.TaskStatusAwaitingProvider, evs[0].From)
		assert.Contains(t, evs[0].Summary, "prompt rejected")
	})

	t.Run("lost race is not an error", func(t *testing.T) {
		s, em, _, p := newPolicy()
		rec := seedRecord(t, s, domain.TaskStatusProcessing, "")
		_, err := s.Transition(ctx, rec.ID, domain.TaskStatusProcessing, domain.TaskStatusCompleted, store.TransitionFields{
			Result: &domain.Result{URL: "u"},
		})
		require.NoError(t, err)

		assert.NoError(t, p.Handle(ctx, rec, errors.New("late failure")))

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCompleted, got.Status)
		assert.Empty(t, em.forTask(rec.ID))
	})
}
