package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout indicates the invocation exceeded its deadline. Safe to retry
// once with the same input.
var ErrTimeout = errors.New("ai invocation timed out")

// ErrRateLimited indicates the backend rejected the call for rate limiting.
// The caller should back off and requeue rather than retry immediately.
var ErrRateLimited = errors.New("ai backend rate limited")

// ProviderError wraps a non-retryable backend failure. It is terminal for
// the triggering event.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("ai provider error: %v", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// classifyInvocationError maps a raw API error onto the failure taxonomy.
// The SDK does not expose typed errors for every transport failure, so
// rate limiting falls back to string matching on the status code.
func classifyInvocationError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") {
		return ErrRateLimited
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return ErrTimeout
	}

	return &ProviderError{Err: err}
}
