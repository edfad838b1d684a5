package generation

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by the generation package
var (
	// ErrTransientFailure is returned for temporary errors that might resolve on retry
	ErrTransientFailure = errors.New("transient provider failure")

	// ErrPermanentFailure is returned when a provider rejects the request in a
	// way that retrying cannot fix.
	ErrPermanentFailure = errors.New("permanent provider failure")

	// ErrInvalidResponse is returned when a provider response cannot be parsed or is malformed
	ErrInvalidResponse = errors.New("invalid response from provider")

	// ErrContentBlocked is returned when the provider blocks the content due to safety filters
	ErrContentBlocked = errors.New("content blocked by provider safety filters")

	// ErrInvalidConfig is returned when the adapter configuration is invalid
	ErrInvalidConfig = errors.New("invalid adapter configuration")

	// ErrInvalidParams is returned when generation params cannot be used by the adapter.
	ErrInvalidParams = errors.New("invalid generation params")

	// ErrPollDeadlineExceeded is returned when a pending operation outlives its
	// overall polling deadline or poll budget.
	ErrPollDeadlineExceeded = errors.New("poll deadline exceeded")

	// ErrInterrupted is returned for work abandoned mid-flight, for example
	// by a process restart while a record was processing.
	ErrInterrupted = errors.New("task execution interrupted")

	// ErrNoAdapter is returned when no adapter is registered for a kind or name.
	ErrNoAdapter = errors.New("no adapter registered")
)

// ErrorClass is the retry classification of a provider failure.
type ErrorClass string

// Error classes
const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
)

// ProviderError is a classified failure reported by an adapter.
type ProviderError struct {
	Class    ErrorClass
	Provider string
	// Code is the provider's own status or error code, if any.
	Code    string
	Message string
	Err     error
}

// Error implements the error interface for ProviderError.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s error from %s", e.Class, e.Provider)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is matches the class sentinels.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrTransientFailure:
		return e.Class == ClassTransient
	case ErrPermanentFailure:
		return e.Class == ClassPermanent
	}
	return false
}

// Transient builds a transient ProviderError.
func Transient(provider, code, message string, err error) *ProviderError {
	return &ProviderError{Class: ClassTransient, Provider: provider, Code: code, Message: message, Err: err}
}

// Permanent builds a permanent ProviderError.
func Permanent(provider, code, message string, err error) *ProviderError {
	return &ProviderError{Class: ClassPermanent, Provider: provider, Code: code, Message: message, Err: err}
}

// Classify decides whether err is worth retrying. Errors that carry no
// classification are treated as transient: an unknown failure is more
// likely a network problem than a rejected input.
func Classify(err error) ErrorClass {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	switch {
	case errors.Is(err, ErrContentBlocked),
		errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrInvalidParams),
		errors.Is(err, ErrInvalidResponse),
		errors.Is(err, ErrPermanentFailure),
		errors.Is(err, ErrNoAdapter):
		return ClassPermanent
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrPollDeadlineExceeded),
		errors.Is(err, ErrInterrupted),
		errors.Is(err, ErrTransientFailure):
		return ClassTransient
	default:
		return ClassTransient
	}
}
