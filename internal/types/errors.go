package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for admission and routing failures.
var (
	// ErrRateLimited is returned when admission is denied without waiting.
	ErrRateLimited = errors.New("rate limit exceeded, try later")

	// ErrNoProviders is returned when no provider is configured at all.
	ErrNoProviders = errors.New("no providers configured")
)

// SelectionError reports that no model satisfied the selection constraints.
// It is distinct from provider failures so callers can adjust constraints
// instead of retrying blindly.
type SelectionError struct {
	TaskType      TaskType
	ContextLength int
	Reason        string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("no suitable model for task %q (context %d tokens): %s",
		e.TaskType, e.ContextLength, e.Reason)
}

// ProviderError wraps a failure from one upstream provider call.
// Permanent marks auth/quota/invalid-request failures that retrying the
// same provider cannot fix.
type ProviderError struct {
	Provider   string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("provider %s: %s error: %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a provider error that same-provider
// retries cannot recover from.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Permanent
}

// ExhaustedError is returned when the entire fallback chain failed.
type ExhaustedError struct {
	Attempted int
	LastErr   error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d providers failed, last error: %v", e.Attempted, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }
