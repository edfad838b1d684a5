package generation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"transient provider error", Transient("veo", "503", "unavailable", nil), ClassTransient},
		{"permanent provider error", Permanent("veo", "400", "bad prompt", nil), ClassPermanent},
		{"wrapped permanent", fmt.Errorf("start: %w", Permanent("rest", "", "", nil)), ClassPermanent},
		{"call timeout", context.DeadlineExceeded, ClassTransient},
		{"poll deadline", ErrPollDeadlineExceeded, ClassTransient},
		{"interrupted", ErrInterrupted, ClassTransient},
		{"content blocked", ErrContentBlocked, ClassPermanent},
		{"invalid params", fmt.Errorf("%w: missing prompt", ErrInvalidParams), ClassPermanent},
		{"no adapter", ErrNoAdapter, ClassPermanent},
		{"unknown error", errors.New("connection reset by peer"), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestProviderError(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: i/o timeout")
	err := Transient("rest", "504", "gateway timeout", cause)

	assert.Equal(t, "transient error from rest (504): gateway timeout: dial tcp: i/o timeout", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrTransientFailure)
	assert.NotErrorIs(t, err, ErrPermanentFailure)

	perm := Permanent("imagen", "", "", nil)
	assert.Equal(t, "permanent error from imagen", perm.Error())
	assert.ErrorIs(t, perm, ErrPermanentFailure)
}
