// Package retry holds the retry policy shared by validate calls and the
// progress stream: exponential backoff with a cap, a cancellable retry loop,
// and per-node attempt bookkeeping.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewExponential returns a deterministic doubling schedule:
// initial, 2*initial, 4*initial, ... capped at max, with no jitter and no
// elapsed-time limit. A max below initial is raised to initial.
func NewExponential(initial, max time.Duration) *backoff.ExponentialBackOff {
	if initial <= 0 {
		initial = time.Millisecond
	}
	if max < initial {
		max = initial
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Backoff counts consecutive failures on top of an exponential schedule.
// It is not safe for concurrent use; each retry loop owns its own Backoff.
type Backoff struct {
	exp   *backoff.ExponentialBackOff
	fails int
}

// NewBackoff creates a Backoff over NewExponential(initial, max).
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{exp: NewExponential(initial, max)}
}

// Next records a failure and returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.fails++
	return b.exp.NextBackOff()
}

// Reset returns the sequence to its initial delay and clears the failure count.
func (b *Backoff) Reset() {
	b.exp.Reset()
	b.fails = 0
}

// Failures returns the number of consecutive failures since the last Reset.
func (b *Backoff) Failures() int {
	return b.fails
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
