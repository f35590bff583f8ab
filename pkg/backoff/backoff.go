// Package backoff provides exponential backoff timing.
package backoff

import (
	"fmt"
	"math"
	"time"

	"sapiremote/internal/apperrors"
)

// Timing describes an exponential backoff sequence.
// The first delay is Initial; each following delay is the previous one
// multiplied by Scale, capped at Max.
type Timing struct {
	Initial time.Duration // first delay, at least 1ms
	Max     time.Duration // cap, at least Initial
	Scale   float64       // growth factor, at least 1.0
}

// Default returns the timing used when none is configured: 10ms, 10s, x10.
func Default() Timing {
	return Timing{
		Initial: 10 * time.Millisecond,
		Max:     10 * time.Second,
		Scale:   10,
	}
}

// Validate reports whether the timing can drive a retry timer.
func (t Timing) Validate() error {
	if t.Initial < time.Millisecond {
		return apperrors.Validation("initial", "initial delay must be at least 1ms")
	}
	if math.IsNaN(t.Scale) || t.Scale < 1.0 {
		return apperrors.Validation("scale", fmt.Sprintf("delay scale must be >= 1.0, got %v", t.Scale))
	}
	if t.Max < t.Initial {
		return apperrors.Validation("max", "max delay must be at least the initial delay")
	}
	return nil
}

// Next returns the delay that follows d: d*Scale capped at Max.
func (t Timing) Next(d time.Duration) time.Duration {
	next := float64(d) * t.Scale
	if next >= float64(t.Max) || math.IsInf(next, 1) {
		return t.Max
	}
	return time.Duration(next)
}

// Exponential calculates the delay for a given attempt.
// Attempt 1 returns Initial, attempt 2 returns Initial*Scale, etc.
// Zero fields fall back to 100ms, 5s and x2.
func Exponential(attempt int, t *Timing) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	scale := 2.0
	if t != nil {
		if t.Initial > 0 {
			initial = t.Initial
		}
		if t.Max > 0 {
			maxBackoff = t.Max
		}
		if t.Scale >= 1.0 {
			scale = t.Scale
		}
	}

	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(scale, float64(attempt-1))
	if backoff > float64(maxBackoff) || math.IsInf(backoff, 1) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}
