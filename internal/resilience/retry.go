package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// RetryPolicy controls the backoff schedule for retryable failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CapDelay    time.Duration
}

// DefaultRetryPolicy matches the standard provider call schedule:
// 4 attempts, 500ms base, doubling, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, CapDelay: 30 * time.Second}
}

// Delay computes the wait before retrying after the given attempt (1-based)
// using full jitter: a uniform draw from (0, min(cap, base*2^(attempt-1))].
// A provider-signalled retryAfter overrides the draw, still capped.
func (p RetryPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > p.CapDelay {
			return p.CapDelay
		}
		return retryAfter
	}
	ceiling := p.BaseDelay
	for i := 1; i < attempt; i++ {
		ceiling *= 2
		if ceiling >= p.CapDelay {
			ceiling = p.CapDelay
			break
		}
	}
	jittered := time.Duration(rand.Int63n(int64(ceiling)) + 1)
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}
	return jittered
}

// Retry runs fn until it succeeds, fails permanently, or exhausts the
// policy. The last error is returned unwrapped so callers can still
// classify it.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		var retryAfter time.Duration
		var pe *ProviderError
		if errors.As(lastErr, &pe) {
			retryAfter = pe.RetryAfter
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted after attempt %d: %w", attempt, ctx.Err())
		case <-time.After(policy.Delay(attempt, retryAfter)):
		}
	}
	return lastErr
}

// HTTPDoer is the slice of http.Client the retry wrapper needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient wraps an HTTP client with the retry policy. Transport
// errors, 429, and 5xx are retried; request bodies are rebuilt from
// GetBody between attempts. The final response (or error) is returned
// for the caller to interpret.
type RetryClient struct {
	client HTTPDoer
	policy RetryPolicy
	name   string
}

// NewRetryClient wraps client for the named provider.
func NewRetryClient(client HTTPDoer, name string, policy RetryPolicy) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &RetryClient{client: client, policy: policy, name: name}
}

// Do executes the request, retrying retryable failures.
func (c *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var (
		resp    *http.Response
		lastErr error
	)
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rebuild request body: %w", err)
			}
			req.Body = body
		}

		resp, lastErr = c.client.Do(req)
		if lastErr == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		var retryAfter time.Duration
		if lastErr == nil {
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			if attempt == c.policy.MaxAttempts {
				return resp, nil
			}
			// Drain so the connection is reusable for the next attempt.
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
		} else if attempt == c.policy.MaxAttempts {
			break
		}

		delay := c.policy.Delay(attempt, retryAfter)
		log.Printf("[Retry] %s attempt %d/%d failed, backing off %s",
			c.name, attempt, c.policy.MaxAttempts, delay.Round(time.Millisecond))
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("%s: request failed after %d attempts: %w", c.name, c.policy.MaxAttempts, lastErr)
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
