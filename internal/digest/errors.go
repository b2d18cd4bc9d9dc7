package digest

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is returned by the model gateway while the breaker for an
// endpoint is open: no network call was attempted.
var ErrCircuitOpen = errors.New("model endpoint circuit open")

// ClientError marks a malformed or out-of-bound request. It is rejected
// before any external call and never retried.
type ClientError struct {
	Reason string
}

func (e *ClientError) Error() string {
	return "invalid request: " + e.Reason
}

// RateLimitedError marks a caller that exceeded its rate or token budget.
type RateLimitedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", e.Reason, e.RetryAfter)
	}
	return e.Reason
}

// ProviderError classifies a model provider failure. Transient failures
// (timeouts, 5xx, provider-side rate limits) are retried with backoff;
// permanent ones (auth, malformed request) surface immediately.
type ProviderError struct {
	Status    int
	Msg       string
	Transient bool
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("model provider error %d: %s", e.Status, e.Msg)
	}
	return "model provider error: " + e.Msg
}

// IsTransient reports whether err should be retried and counted against the
// circuit rather than surfaced immediately.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}
