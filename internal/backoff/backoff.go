package backoff

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before the given attempt number. Attempt
// numbering starts at 1 (the first retry follows attempt 1).
type Backoff interface {
	Duration(attempt int) time.Duration
}

// LinearBackoff grows the delay as Interval * attempt, clamped to Max.
type LinearBackoff struct {
	Interval time.Duration
	Max      time.Duration
}

var _ Backoff = (*LinearBackoff)(nil)

func (b *LinearBackoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Interval * time.Duration(attempt)
	return clamp(d, b.Max)
}

// ExponentialBackoff grows the delay as Interval * 2^(attempt-1), clamped
// to Max.
type ExponentialBackoff struct {
	Interval time.Duration
	Max      time.Duration
}

var _ Backoff = (*ExponentialBackoff)(nil)

func (b *ExponentialBackoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Interval
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	return clamp(d, b.Max)
}

func clamp(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// JitterBackoff spreads the base delay uniformly within ±Fraction of its
// value so retries from a burst of failures do not land on the same tick.
type JitterBackoff struct {
	Base     Backoff
	Fraction float64
}

var _ Backoff = (*JitterBackoff)(nil)

func (b *JitterBackoff) Duration(attempt int) time.Duration {
	d := b.Base.Duration(attempt)
	if b.Fraction <= 0 {
		return d
	}
	spread := float64(d) * b.Fraction
	jittered := float64(d) - spread + rand.Float64()*2*spread
	return time.Duration(jittered)
}
