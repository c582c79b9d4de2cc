// Package backoff provides pluggable retry delay strategies.
// The DAG runner uses a fixed per-step delay; the recovery manager uses
// exponential growth with proportional jitter. All strategies are safe
// for concurrent use (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Fixed
// ──────────────────────────────────────────────────

// Fixed always returns the same delay regardless of attempt number.
// This is the delay model the DAG runner applies between step retries.
type Fixed struct {
	Interval time.Duration
}

// NewFixed creates a fixed backoff strategy.
func NewFixed(interval time.Duration) *Fixed {
	return &Fixed{Interval: interval}
}

// Delay returns the fixed interval.
func (f *Fixed) Delay(_ int) time.Duration {
	return f.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear increases the delay linearly with the attempt number.
// Delay = min(Initial * attempt, Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	d := l.Initial * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (proportional jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter adds a random fraction of the capped exponential
// base to the delay. Delay = base + random value in [0, Jitter*base],
// where base = min(Initial * 2^(attempt-1), Max). This spreads out
// simultaneous retries without collapsing short delays to near zero.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter is the maximum added fraction of the base delay.
	// Zero or negative means DefaultJitter.
	Jitter float64
}

// DefaultJitter is the jitter fraction used when none is configured.
const DefaultJitter = 0.10

// NewExponentialWithJitter creates an exponential backoff with up to
// DefaultJitter added on top of the capped base delay.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay, Jitter: DefaultJitter}
}

// Delay returns base + rand[0, Jitter*base] for the capped exponential base.
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}

	jitter := e.Jitter
	if jitter <= 0 {
		jitter = DefaultJitter
	}

	return time.Duration(base + rand.Float64()*jitter*base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the default backoff used by the recovery
// manager: ExponentialWithJitter with 1s initial and 1m max.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(1*time.Second, 1*time.Minute)
}
