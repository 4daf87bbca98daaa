// Package backoff provides retry delay strategies for automation attempts.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry n (1-indexed).
	// Retry 1 follows the first Transient failure.
	Delay(retry int) time.Duration
}

// =============================================================================
// Constant
// =============================================================================

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// =============================================================================
// Exponential
// =============================================================================

// Exponential doubles the delay on each retry.
// Delay = min(Initial * 2^(retry-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(retry-1), capped at Max.
func (e *Exponential) Delay(retry int) time.Duration {
	return time.Duration(exponentialBase(e.Initial, e.Max, retry))
}

// =============================================================================
// ExponentialWithJitter (equal jitter)
// =============================================================================

// ExponentialWithJitter keeps half of the exponential delay fixed and
// randomizes the other half, so workers that hit a busy tool at the same
// moment spread out without ever retrying immediately.
// Delay is in [base/2, base] where base = min(Initial * 2^(retry-1), Max).
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with equal jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [base/2, base].
func (e *ExponentialWithJitter) Delay(retry int) time.Duration {
	base := exponentialBase(e.Initial, e.Max, retry)
	half := base / 2
	return time.Duration(half + rand.Float64()*half) //nolint:gosec // jitter does not need crypto rand
}

func exponentialBase(initial, maxDelay time.Duration, retry int) float64 {
	if retry < 1 {
		retry = 1
	}
	base := float64(initial) * math.Pow(2, float64(retry-1))
	if maxDelay > 0 && base > float64(maxDelay) {
		base = float64(maxDelay)
	}
	return base
}

// =============================================================================
// Default
// =============================================================================

// DefaultStrategy returns the backoff used between automation retries:
// ExponentialWithJitter with 5s initial and 2m max.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(5*time.Second, 2*time.Minute)
}
