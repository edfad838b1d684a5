package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/events"
	"github.com/phrazzld/genflow/internal/generation"
	"github.com/phrazzld/genflow/internal/redact"
	"github.com/phrazzld/genflow/internal/store"
	"github.com/sethvargo/go-retry"
)

const (
	maxErrorMessageLen = 500
	maxSummaryLen      = 200
)

// RetryPolicyConfig holds the backoff settings of the retry policy.
// The attempt ceiling is carried by each record.
type RetryPolicyConfig struct {
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	JitterPercent uint64
}

// DefaultRetryPolicyConfig returns a RetryPolicyConfig with reasonable defaults
func DefaultRetryPolicyConfig() RetryPolicyConfig {
	return RetryPolicyConfig{
		BaseBackoff:   2 * time.Second,
		MaxBackoff:    10 * time.Minute,
		JitterPercent: 10,
	}
}

// Decision is the retry policy's verdict for one failure.
type Decision struct {
	Retry bool
	// Delay before the record becomes available again; zero unless Retry.
	Delay time.Duration
	// Attempts is the attempt count to store with the transition.
	Attempts int
	Detail   domain.ErrorDetail
}

// RetryPolicy decides and applies the outcome of a failed attempt.
// Permanent failures and failures at the attempt ceiling finalize the
// record as failed; other failures requeue it after an exponential backoff.
type RetryPolicy struct {
	lifecycle
	config   RetryPolicyConfig
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewRetryPolicy creates a retry policy. Without an enqueuer, retried
// records stay queued until a recovery sweep picks them up.
func NewRetryPolicy(
	s store.TaskRecordStore,
	emitter events.EventEmitter,
	config RetryPolicyConfig,
	logger *slog.Logger,
) *RetryPolicy {
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = DefaultRetryPolicyConfig().BaseBackoff
	}
	if config.MaxBackoff < config.BaseBackoff {
		config.MaxBackoff = config.BaseBackoff
	}
	return &RetryPolicy{
		lifecycle: newLifecycle(s, emitter),
		config:    config,
		logger:    logger.With("component", "retry_policy"),
	}
}

// SetEnqueuer sets where retried records are re-enqueued.
func (p *RetryPolicy) SetEnqueuer(e Enqueuer) {
	p.enqueuer = e
}

// Backoff returns the delay before the retry that follows attempt,
// base * 2^attempt capped at the configured maximum, with jitter.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	b := retry.WithCappedDuration(p.config.MaxBackoff, retry.NewExponential(p.config.BaseBackoff))
	if p.config.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.config.JitterPercent, b)
	}

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
		if p.config.JitterPercent == 0 && d >= p.config.MaxBackoff {
			break
		}
	}
	return d
}

// Decide classifies cause for rec without touching the store.
func (p *RetryPolicy) Decide(rec *domain.TaskRecord, cause error) Decision {
	class := generation.Classify(cause)
	d := Decision{
		Attempts: rec.AttemptCount + 1,
		Detail:   errorDetail(cause, class),
	}
	if d.Attempts > rec.MaxAttempts {
		d.Attempts = rec.MaxAttempts
	}
	if class == generation.ClassTransient && rec.AttemptCount+1 < rec.MaxAttempts {
		d.Retry = true
		d.Delay = p.Backoff(rec.AttemptCount)
	}
	return d
}

// Handle applies the policy to rec, which must be the caller's current
// view of the record in processing or awaiting_provider. Losing the
// transition race to another actor is not an error.
func (p *RetryPolicy) Handle(ctx context.Context, rec *domain.TaskRecord, cause error) error {
	log := taskLogger(ctx, p.logger, rec)
	d := p.Decide(rec, cause)
	from := rec.Status

	if d.Retry {
		availableAt := p.now().Add(d.Delay)
		updated, err := p.store.Transition(ctx, rec.ID, from, domain.TaskStatusQueued, store.TransitionFields{
			AttemptCount: store.IntPtr(d.Attempts),
			AvailableAt:  &availableAt,
			Error:        &d.Detail,
		})
		if err != nil {
			if lostRace(err) {
				log.Debug("retry skipped, record moved on", "error", err)
				return nil
			}
			return fmt.Errorf("failed to requeue task: %w", err)
		}

		log.Warn("task attempt failed, retrying",
			"error", redact.Error(cause),
			"error_kind", d.Detail.Kind,
			"next_attempt", d.Attempts,
			"max_attempts", rec.MaxAttempts,
			"backoff", d.Delay)

		if p.enqueuer != nil {
			p.enqueuer.EnqueueAfter(updated, d.Delay)
		}
		return nil
	}

	updated, err := p.store.Transition(ctx, rec.ID, from, domain.TaskStatusFailed, store.TransitionFields{
		AttemptCount: store.IntPtr(d.Attempts),
		Error:        &d.Detail,
	})
	if err != nil {
		if lostRace(err) {
			log.Debug("failure skipped, record moved on", "error", err)
			return nil
		}
		return fmt.Errorf("failed to fail task: %w", err)
	}

	log.Error("task failed",
		"error", d.Detail.Message,
		"error_kind", d.Detail.Kind,
		"attempts", d.Attempts)

	p.emit(ctx, updated, from, terminalSummary(updated))
	return nil
}

func errorDetail(cause error, class generation.ErrorClass) domain.ErrorDetail {
	detail := domain.ErrorDetail{
		Kind:    domain.ErrorKindTransient,
		Message: redact.Summary(cause, maxErrorMessageLen),
	}
	switch {
	case class == generation.ClassPermanent:
		detail.Kind = domain.ErrorKindPermanent
	case errors.Is(cause, generation.ErrPollDeadlineExceeded), errors.Is(cause, context.DeadlineExceeded):
		detail.Kind = domain.ErrorKindDeadline
	}

	var pe *generation.ProviderError
	if errors.As(cause, &pe) {
		detail.Provider = pe.Provider
		detail.Code = pe.Code
	}
	return detail
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
