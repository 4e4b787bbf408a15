package resilience

import (
	"math/rand/v2"
	"time"
)

// Backoff returns base doubled for every attempt after the first, spread
// by ±jitter (0.2 means 20%). Attempts count from 1.
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << max(attempt-1, 0)
	if jitter <= 0 {
		return d
	}
	spread := float64(d) * jitter
	return d + time.Duration(spread*(2*rand.Float64()-1))
}
