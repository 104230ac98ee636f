package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff implements exponential backoff with optional jitter.
// A Backoff is not safe for concurrent use; each retry loop owns its own.
type Backoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       float64
	currentDelay time.Duration
	rand         func() float64
}

// New creates a new Backoff with the specified parameters.
// initialDelay is the delay before the first retry.
// maxDelay is the maximum delay between retries.
// multiplier is the factor by which the delay increases after each retry.
func New(initialDelay, maxDelay time.Duration, multiplier float64) *Backoff {
	return &Backoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		currentDelay: initialDelay,
		rand:         rand.Float64,
	}
}

// WithJitter spreads every delay uniformly over [d*(1-fraction), d*(1+fraction)].
// fraction is clamped to [0, 1].
func (b *Backoff) WithJitter(fraction float64) *Backoff {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	b.jitter = fraction
	return b
}

// NextDelay returns the jittered delay for the current attempt and advances the
// schedule, capping the base delay at maxDelay.
func (b *Backoff) NextDelay() time.Duration {
	d := b.currentDelay
	if b.jitter > 0 {
		// rand() is in [0, 1); map it to [-jitter, +jitter).
		factor := 1 + b.jitter*(2*b.rand()-1)
		d = time.Duration(float64(d) * factor)
	}

	b.currentDelay = time.Duration(float64(b.currentDelay) * b.multiplier)
	if b.currentDelay > b.maxDelay {
		b.currentDelay = b.maxDelay
	}
	return d
}

// Wait waits for the next backoff delay, respecting context cancellation.
// Returns nil if the wait completed successfully, or ctx.Err() if the context was cancelled.
// The schedule advances even when the wait is cancelled.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.NextDelay())
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset resets the backoff to its initial delay.
// This is useful when starting a new retry sequence.
func (b *Backoff) Reset() {
	b.currentDelay = b.initialDelay
}

// CurrentDelay returns the base delay of the next attempt, before jitter.
func (b *Backoff) CurrentDelay() time.Duration {
	return b.currentDelay
}
