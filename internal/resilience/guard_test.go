package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAndRecovers(t *testing.T) {
	b := NewBreaker("anthropic", BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	transient := NewTransientError(errors.New("503"), 503)
	require.NoError(t, b.Allow())
	b.Record(transient)
	assert.Equal(t, BreakerClosed, b.State())
	b.Record(transient)
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.Record(nil)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker("google_places", BreakerConfig{FailureThreshold: 1})
	b.Record(errors.New("400 bad request"))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Record(NewTransientError(errors.New("x"), 500))
	now = now.Add(2 * time.Second)
	require.NoError(t, b.Allow())
	b.Record(NewTransientError(errors.New("x"), 500))
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, "open", b.State().String())
}

func TestProviderLimiters_CapsInFlight(t *testing.T) {
	lim := NewProviderLimiters(LimitConfig{RPS: 1000, Burst: 100, MaxInFlight: 2}, nil)

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := lim.Acquire(context.Background(), "google_places")
			if !assert.NoError(t, err) {
				return
			}
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			release()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestProviderLimiters_WaitHonoursContext(t *testing.T) {
	lim := NewProviderLimiters(LimitConfig{RPS: 1, Burst: 1, MaxInFlight: 1}, nil)
	release, err := lim.Acquire(context.Background(), "html:example.org")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = lim.Acquire(ctx, "html:example.org")
	assert.Error(t, err)

	// Other providers are independent.
	r2, err := lim.Acquire(context.Background(), "anthropic")
	require.NoError(t, err)
	r2()
}

func TestCall_RetriesTransientThroughGuard(t *testing.T) {
	g := NewGuard(
		NewProviderLimiters(LimitConfig{RPS: 1000, Burst: 10, MaxInFlight: 1}, nil),
		fastRetry(),
		BreakerConfig{FailureThreshold: 10},
	)

	calls := 0
	v, err := Call(context.Background(), g, "anthropic", "classify", func(_ context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, NewTransientError(errors.New("overloaded"), 529)
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 2, calls)
	assert.Equal(t, BreakerClosed, g.States()["anthropic"])
}

func TestCall_OpenBreakerShortCircuits(t *testing.T) {
	cfg := fastRetry()
	cfg.MaxAttempts = 1
	g := NewGuard(nil, cfg, BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})

	_, err := Call(context.Background(), g, "p", "op", func(_ context.Context) (int, error) {
		return 0, NewTransientError(errors.New("down"), 503)
	})
	require.Error(t, err)

	called := false
	_, err = Call(context.Background(), g, "p", "op", func(_ context.Context) (int, error) {
		called = true
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, called)
}
