package generation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
)

// Request is the input to one provider call.
type Request struct {
	TaskID  uuid.UUID
	Kind    domain.Kind
	OwnerID string
	Params  json.RawMessage
	// Attempt is the zero-based attempt number.
	Attempt int
}

// Outcome is the result of Start: exactly one of Result or Handle is set.
type Outcome struct {
	Result *domain.Result
	Handle string
	// RetryAfter, when positive, is the provider's suggested delay before
	// the first status check.
	RetryAfter time.Duration
}

// Completed wraps a finished result.
func Completed(r *domain.Result) Outcome { return Outcome{Result: r} }

// Pending wraps an operation handle that must be polled.
func Pending(handle string) Outcome { return Outcome{Handle: handle} }

// IsPending reports whether the provider returned a handle.
func (o Outcome) IsPending() bool { return o.Result == nil && o.Handle != "" }

// PollOutcome is the result of PollStatus. A nil Result means the operation
// is still pending.
type PollOutcome struct {
	Result     *domain.Result
	RetryAfter time.Duration
}

// StillPending reports whether the operation has not finished.
func (o PollOutcome) StillPending() bool { return o.Result == nil }

// Adapter defines the boundary to one generation backend. Implementations
// translate provider-specific start and status semantics into the two
// outcome shapes above, and report failures as *ProviderError.
type Adapter interface {
	// Name identifies the adapter. It is stored on the task record so that
	// polling after a restart reaches the adapter that issued the handle.
	Name() string

	// Start submits the generation. It returns a finished result for
	// synchronous providers and a handle for poll-based ones.
	Start(ctx context.Context, req Request) (Outcome, error)

	// PollStatus checks a handle returned by Start. A provider-reported
	// failure is returned as a permanent *ProviderError.
	PollStatus(ctx context.Context, handle string) (PollOutcome, error)
}
