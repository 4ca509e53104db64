package voice

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// DefaultJitter is the fraction by which a retry delay may deviate either way
const DefaultJitter = 0.2

// ComputeDelay returns the wait before reconnect attempt n. The delay doubles
// from BaseRetryDelay, is capped at MaxRetryDelay and then scaled by
// 1 + jitter*(2r-1), where r is a value in [0, 1).
func ComputeDelay(attempt int, profile PolicyProfile, jitter, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(profile.BaseRetryDelay)
	limit := float64(profile.MaxRetryDelay)

	delay := base * math.Pow(2, float64(attempt-1))
	if delay > limit || math.IsInf(delay, 0) {
		delay = limit
	}

	delay *= 1 + jitter*(2*r-1)
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// BackoffCalculator produces jittered delays from a seedable random source
type BackoffCalculator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	jitter float64
}

// NewBackoffCalculator creates a calculator with the default jitter
func NewBackoffCalculator(seed int64) *BackoffCalculator {
	return NewBackoffCalculatorWithJitter(seed, DefaultJitter)
}

// NewBackoffCalculatorWithJitter creates a calculator with an explicit jitter fraction
func NewBackoffCalculatorWithJitter(seed int64, jitter float64) *BackoffCalculator {
	return &BackoffCalculator{
		rng:    rand.New(rand.NewSource(seed)),
		jitter: jitter,
	}
}

// Delay returns the jittered delay for an attempt under a profile
func (b *BackoffCalculator) Delay(attempt int, profile PolicyProfile) time.Duration {
	b.mu.Lock()
	r := b.rng.Float64()
	b.mu.Unlock()
	return ComputeDelay(attempt, profile, b.jitter, r)
}

// Bounds returns the smallest and largest delay an attempt can produce
func (b *BackoffCalculator) Bounds(attempt int, profile PolicyProfile) (time.Duration, time.Duration) {
	return ComputeDelay(attempt, profile, b.jitter, 0), ComputeDelay(attempt, profile, b.jitter, 1)
}

// SleepWithContext sleeps for the duration or until ctx is done.
// Returns nil if the sleep completed, or ctx.Err() if the context was cancelled.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
