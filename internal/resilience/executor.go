package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/ignite/outreach-engine/internal/config"
)

const defaultDeferralWait = 30 * time.Second

// Stack is the full protection path for outbound provider calls:
// bounded in-flight capacity, then the provider and global token buckets,
// then the circuit breaker around the call itself. Refusals surface as
// Deferral so the scheduler reschedules instead of recording a failure.
type Stack struct {
	breakers *BreakerSet
	limiters *LimiterSet
	cfg      config.ResilienceConfig

	mu       sync.RWMutex
	capacity map[string]*semaphore.Weighted
}

// NewStack builds the stack. onBreakerChange (optional) observes breaker
// transitions, typically to drive a metrics gauge.
func NewStack(cfg config.ResilienceConfig, onBreakerChange func(provider string, from, to gobreaker.State)) *Stack {
	return &Stack{
		breakers: NewBreakerSet(cfg, onBreakerChange),
		limiters: NewLimiterSet(cfg.GlobalRatePerSecond, cfg.GlobalBurst),
		cfg:      cfg,
		capacity: make(map[string]*semaphore.Weighted),
	}
}

// Register installs a provider's bucket and in-flight ceiling.
func (s *Stack) Register(provider string, pc config.ProviderConfig) {
	s.limiters.Register(provider, pc.RatePerSecond, pc.Burst)

	maxInFlight := pc.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 10
	}
	s.mu.Lock()
	s.capacity[provider] = semaphore.NewWeighted(int64(maxInFlight))
	s.mu.Unlock()
}

// Policy returns the shared retry schedule for provider HTTP clients.
func (s *Stack) Policy() RetryPolicy {
	p := RetryPolicy{
		MaxAttempts: s.cfg.RetryMaxAttempts,
		BaseDelay:   time.Duration(s.cfg.RetryBaseMillis) * time.Millisecond,
		CapDelay:    time.Duration(s.cfg.RetryCapSeconds) * time.Second,
	}
	if p.MaxAttempts <= 0 || p.BaseDelay <= 0 || p.CapDelay <= 0 {
		return DefaultRetryPolicy()
	}
	return p
}

// Do runs fn under the provider's protections. The returned error is
// either nil, a *Deferral (stack refused, reschedule), or the call's own
// error after the breaker observed it.
func (s *Stack) Do(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	s.mu.RLock()
	sem := s.capacity[provider]
	s.mu.RUnlock()

	if sem != nil {
		if !sem.TryAcquire(1) {
			return &Deferral{Reason: "in-flight capacity exhausted", Wait: defaultDeferralWait}
		}
		defer sem.Release(1)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.dispatchWait())
	err := s.limiters.Wait(waitCtx, provider)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Deferral{Reason: "rate limit bucket exhausted", Wait: defaultDeferralWait}
	}

	_, err = s.breakers.For(provider).Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Deferral{Reason: "circuit open", Wait: s.breakerRetryDelay()}
	}
	return err
}

// BreakerStates snapshots breaker state per provider for the admin API.
func (s *Stack) BreakerStates() map[string]string {
	return s.breakers.States()
}

func (s *Stack) dispatchWait() time.Duration {
	if s.cfg.DispatchWaitSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.cfg.DispatchWaitSeconds) * time.Second
}

func (s *Stack) breakerRetryDelay() time.Duration {
	if s.cfg.BreakerRetryDelayMin <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(s.cfg.BreakerRetryDelayMin) * time.Minute
}
