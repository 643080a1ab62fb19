package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Iron-Ham/reqtree/internal/errors"
)

// Policy is the single retry policy used across reqtree. MaxRetries is the
// number of attempts after the first; zero means fail on the first error.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to errors.IsRetryable.
	Retryable func(error) bool
}

// NoRetry is a policy that makes exactly one attempt.
var NoRetry = Policy{}

func (p Policy) retryable(err error) bool {
	if errors.IsCanceled(err) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return errors.IsRetryable(err)
}

// newBackOff returns the policy's schedule, limited to MaxRetries and
// stopped by ctx.
func (p Policy) newBackOff(ctx context.Context) backoff.BackOffContext {
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(NewExponential(p.InitialDelay, p.MaxDelay), uint64(retries)), ctx)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// policy's retries are used up. The attempt number (starting at 1) is passed
// to fn. Waits between attempts are cancelled by ctx.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("", err)
	}

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn(ctx, attempt)
		if err != nil && !p.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.newBackOff(ctx))

	// The backoff loop reports a cancelled wait as the bare context error.
	if err != nil && err == ctx.Err() {
		return errors.NewCancelledError("", err)
	}
	return err
}
