package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryStrategy encapsulates the decision and delay between redeliveries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next attempt. The
	// attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy redelivers immediately.
type NoDelayStrategy struct{}

// SleepDuration always returns zero, causing immediate redelivery.
func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy spaces redeliveries exponentially, capped at
// Max. An optional jitter fraction spreads out jobs that failed in the same
// burst, so a recovering downstream is not hit by a synchronized wave.
type ExponentialBackoffStrategy struct {
	// Base is the delay before the first redelivery.
	Base time.Duration
	// Factor multiplies the delay on every further attempt.
	Factor float64
	// Max caps the growth; zero means uncapped.
	Max time.Duration
	// Jitter, when positive, extends each delay by a random amount up to
	// that fraction of it (0.2 adds up to 20%).
	Jitter float64
}

// SleepDuration computes Base*Factor^attempt, caps it at Max, then applies
// the jitter fraction.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := time.Duration(float64(e.Base) * math.Pow(e.Factor, float64(attempt)))
	if e.Max > 0 && delay > e.Max {
		delay = e.Max
	}
	if e.Jitter > 0 {
		delay += time.Duration(rand.Float64() * e.Jitter * float64(delay))
	}
	return delay
}
