// Package resilience wraps outbound provider calls in the protection
// stack: per-provider circuit breakers, token buckets, bounded in-flight
// capacity, and retries with exponential backoff and full jitter.
package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ProviderError classifies a failed provider call. Status carries the HTTP
// status when one exists (0 for transport errors). Retryable errors are
// re-attempted and count against the circuit breaker; non-retryable 4xx
// responses are caller errors and count as breaker successes.
type ProviderError struct {
	Provider   string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the call may be re-attempted: transport
// failures, 429, and 5xx. Other 4xx are permanent.
func (e *ProviderError) Retryable() bool {
	if e.Status == 0 {
		return true
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// CallerFault reports whether the failure counts as a breaker success
// (the provider was healthy; the request was bad).
func (e *ProviderError) CallerFault() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

// Deferral asks the scheduler to try again later without recording a
// failure: the protection stack refused the call before it reached the
// provider (open breaker, exhausted bucket, full capacity).
type Deferral struct {
	Reason string
	Wait   time.Duration
}

func (d *Deferral) Error() string {
	return fmt.Sprintf("dispatch deferred: %s", d.Reason)
}

// AsDeferral extracts a Deferral from an error chain.
func AsDeferral(err error) (*Deferral, bool) {
	var d *Deferral
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// IsRetryable reports whether an arbitrary error is worth re-attempting.
// Non-ProviderError errors are treated as transient.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	var d *Deferral
	if errors.As(err, &d) {
		return false
	}
	return true
}
