// Package backoff computes retry delays.
package backoff

import (
	"iter"
	"math"
	"math/rand/v2"
	"time"
)

// Defaults used when Config fields are zero.
const (
	DefaultInitial = 100 * time.Millisecond
	DefaultMax     = 5 * time.Second
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // first delay (default 100ms)
	Max     time.Duration // cap (default 5s)

	// Jitter spreads each delay uniformly over [d*(1-Jitter), d]. Values
	// outside (0, 1] disable it.
	Jitter float64
}

func (c *Config) bounds() (time.Duration, time.Duration) {
	initial, maxDelay := DefaultInitial, DefaultMax
	if c != nil {
		if c.Initial > 0 {
			initial = c.Initial
		}
		if c.Max > 0 {
			maxDelay = c.Max
		}
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return initial, maxDelay
}

// Exponential returns the delay before retry number attempt, starting at 1.
// Attempt 1 returns Initial, attempt 2 twice that, and so on up to Max.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxDelay := cfg.bounds()
	if attempt < 1 {
		attempt = 1
	}

	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}

	if cfg != nil && cfg.Jitter > 0 && cfg.Jitter <= 1 {
		d -= d * cfg.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Delays yields the delays for retries 1..n.
func Delays(n int, cfg *Config) iter.Seq[time.Duration] {
	return func(yield func(time.Duration) bool) {
		for attempt := 1; attempt <= n; attempt++ {
			if !yield(Exponential(attempt, cfg)) {
				return
			}
		}
	}
}
