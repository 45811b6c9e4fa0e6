// Package retry retries transient failures with capped exponential backoff
// and jitter.
package retry

import (
	"context"
	"errors"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// MaxDelay caps a single backoff sleep.
const MaxDelay = 5 * time.Second

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Backoff returns the schedule Do uses: baseDelay doubling per attempt with
// +-25% jitter, capped at MaxDelay, for maxAttempts calls in total.
func Backoff(maxAttempts int, baseDelay time.Duration) goretry.Backoff {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Millisecond
	}
	b := goretry.NewExponential(baseDelay)
	b = goretry.WithJitterPercent(25, b)
	b = goretry.WithCappedDuration(MaxDelay, b)
	return goretry.WithMaxRetries(uint64(maxAttempts-1), b)
}

// Do calls fn up to maxAttempts times. It stops early if fn succeeds,
// returns a *PermanentError, or ctx is cancelled. The last error is
// returned unwrapped.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return goretry.Do(ctx, Backoff(maxAttempts, baseDelay), func(context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		return goretry.RetryableError(err)
	})
}
