package resilience

import (
	"context"
	"sync"
)

// Guard combines the shared limiter, per-provider breakers and the retry
// policy. Every outbound provider call in the pipeline goes through one.
type Guard struct {
	limiters *ProviderLimiters
	retry    RetryConfig
	breaker  BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGuard builds a guard. A nil limiter registry disables throttling.
func NewGuard(limiters *ProviderLimiters, retry RetryConfig, breaker BreakerConfig) *Guard {
	return &Guard{
		limiters: limiters,
		retry:    retry,
		breaker:  breaker,
		breakers: make(map[string]*Breaker),
	}
}

// Breaker returns the breaker for provider, creating it on first use.
func (g *Guard) Breaker(provider string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[provider]
	if !ok {
		b = NewBreaker(provider, g.breaker)
		g.breakers[provider] = b
	}
	return b
}

// States returns a snapshot of every breaker's state.
func (g *Guard) States() map[string]BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]BreakerState, len(g.breakers))
	for name, b := range g.breakers {
		out[name] = b.State()
	}
	return out
}

// Call runs fn for provider. Each attempt checks the breaker, waits for the
// limiter (waiting is never counted against the attempt), then runs under
// the attempt timeout; transient failures are retried with backoff.
func Call[T any](ctx context.Context, g *Guard, provider, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg := g.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = RetryLogger(provider, operation)
	}
	attemptTimeout := cfg.AttemptTimeout
	cfg.AttemptTimeout = 0
	br := g.Breaker(provider)

	return DoVal(ctx, cfg, func(ctx context.Context) (T, error) {
		var zero T
		if err := br.Allow(); err != nil {
			return zero, NewTransientError(err, 0)
		}
		if g.limiters != nil {
			release, err := g.limiters.Acquire(ctx, provider)
			if err != nil {
				return zero, err
			}
			defer release()
		}
		val, err := runAttempt(ctx, attemptTimeout, fn)
		br.Record(err)
		return val, err
	})
}
