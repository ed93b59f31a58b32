package resilience

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// LimitConfig describes the published limits of one provider.
type LimitConfig struct {
	// RPS is the sustained request rate; Burst the bucket size.
	RPS   float64
	Burst int
	// MaxInFlight caps concurrent calls across the whole process.
	MaxInFlight int
}

// ProviderLimiters is the process-wide throttle for outbound calls, keyed
// by provider name. When a provider is saturated, callers wait.
type ProviderLimiters struct {
	mu        sync.Mutex
	defaults  LimitConfig
	overrides map[string]LimitConfig
	entries   map[string]*providerLimit
}

type providerLimit struct {
	rate  *rate.Limiter
	slots chan struct{}
}

// NewProviderLimiters creates a registry using defaults for any provider
// without an explicit override.
func NewProviderLimiters(defaults LimitConfig, overrides map[string]LimitConfig) *ProviderLimiters {
	return &ProviderLimiters{
		defaults:  normalizeLimit(defaults),
		overrides: overrides,
		entries:   make(map[string]*providerLimit),
	}
}

func normalizeLimit(c LimitConfig) LimitConfig {
	if c.RPS <= 0 {
		c.RPS = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	return c
}

func (p *ProviderLimiters) get(provider string) *providerLimit {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[provider]; ok {
		return e
	}
	cfg := p.defaults
	if o, ok := p.overrides[provider]; ok {
		cfg = normalizeLimit(o)
	}
	e := &providerLimit{
		rate:  rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		slots: make(chan struct{}, cfg.MaxInFlight),
	}
	p.entries[provider] = e
	return e
}

// Acquire blocks until provider has a free slot and a rate token. The
// returned release func must be called when the call completes.
func (p *ProviderLimiters) Acquire(ctx context.Context, provider string) (func(), error) {
	e := p.get(provider)

	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, eris.Wrapf(ctx.Err(), "limiter: wait for %s slot", provider)
	}

	if err := e.rate.Wait(ctx); err != nil {
		<-e.slots
		return nil, eris.Wrapf(err, "limiter: wait for %s token", provider)
	}

	var once sync.Once
	return func() { once.Do(func() { <-e.slots }) }, nil
}
