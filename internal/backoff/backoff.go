// Package backoff provides retry delay strategies for stage re-execution.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed). Attempt 1
// is the first retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay. Useful in tests.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(int) time.Duration {
	return c.Interval
}

// ExponentialWithJitter doubles a base delay each attempt and applies full
// jitter: Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
// Jitter keeps simultaneous retries across runs from stampeding a
// collaborator that just recovered.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base)
}

// Default returns the strategy used when the config does not set one:
// full jitter over 2s base, capped at 2m.
func Default() Strategy {
	return NewExponentialWithJitter(2*time.Second, 2*time.Minute)
}
