package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// LimiterSet holds one token bucket per provider plus a global bucket
// guarding aggregate outbound throughput. A dispatch consumes from its
// provider bucket first, then the global one.
type LimiterSet struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	global   *rate.Limiter
}

// NewLimiterSet builds the set with the global ceiling.
func NewLimiterSet(globalRate float64, globalBurst int) *LimiterSet {
	if globalRate <= 0 {
		globalRate = 50
	}
	if globalBurst <= 0 {
		globalBurst = int(globalRate) * 2
	}
	return &LimiterSet{
		limiters: make(map[string]*rate.Limiter),
		global:   rate.NewLimiter(rate.Limit(globalRate), globalBurst),
	}
}

// Register installs a provider's bucket. Unregistered providers are only
// bound by the global bucket.
func (l *LimiterSet) Register(provider string, perSecond float64, burst int) {
	if perSecond <= 0 {
		return
	}
	if burst <= 0 {
		burst = 1
	}
	l.mu.Lock()
	l.limiters[provider] = rate.NewLimiter(rate.Limit(perSecond), burst)
	l.mu.Unlock()
}

// Wait blocks until both buckets grant a token or the context expires.
// The error from a deadline miss tells the caller to defer, not fail.
func (l *LimiterSet) Wait(ctx context.Context, provider string) error {
	l.mu.RLock()
	lim := l.limiters[provider]
	l.mu.RUnlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	return l.global.Wait(ctx)
}

// Allow reports whether a token is immediately available in both buckets
// without consuming the global token unless the provider token was granted.
func (l *LimiterSet) Allow(provider string) bool {
	l.mu.RLock()
	lim := l.limiters[provider]
	l.mu.RUnlock()

	if lim != nil && !lim.Allow() {
		return false
	}
	return l.global.Allow()
}
