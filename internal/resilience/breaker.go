package resilience

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ignite/outreach-engine/internal/config"
)

// BreakerSet lazily creates one circuit breaker per provider, all sharing
// the same trip policy. Caller-fault 4xx responses count as successes so
// a flood of bad requests cannot open a healthy provider's breaker.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      config.ResilienceConfig
	onChange func(provider string, from, to gobreaker.State)
}

// NewBreakerSet builds the set. onChange (optional) observes state
// transitions in addition to the log line.
func NewBreakerSet(cfg config.ResilienceConfig, onChange func(provider string, from, to gobreaker.State)) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      cfg,
		onChange: onChange,
	}
}

// For returns the breaker for a provider, creating it on first use.
func (b *BreakerSet) For(provider string) *gobreaker.CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.breakers[provider]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.breakers[provider]; ok {
		return cb
	}

	volume := uint32(b.cfg.BreakerVolumeThreshold)
	rate := b.cfg.BreakerFailureRate
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: uint32(b.cfg.BreakerHalfOpenRequests),
		Interval:    time.Duration(b.cfg.BreakerWindowSeconds) * time.Second,
		Timeout:     time.Duration(b.cfg.BreakerResetSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < volume {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= rate
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var pe *ProviderError
			if errors.As(err, &pe) {
				return pe.CallerFault()
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[Breaker] %s: %s -> %s", name, from, to)
			if b.onChange != nil {
				b.onChange(name, from, to)
			}
		},
	})
	b.breakers[provider] = cb
	return cb
}

// States snapshots every known breaker's state for the admin API.
func (b *BreakerSet) States() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.breakers))
	for name, cb := range b.breakers {
		out[name] = cb.State().String()
	}
	return out
}
