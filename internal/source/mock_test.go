package source

import (
	"time"

	"github.com/sells-group/radar-cli/internal/resilience"
)

func testGuard() *resilience.Guard {
	return resilience.NewGuard(nil, resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}, resilience.BreakerConfig{FailureThreshold: 50, Cooldown: time.Second})
}

var fixedNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }
