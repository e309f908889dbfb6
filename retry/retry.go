// Package retry repeats failing operations with a backoff between
// attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

var (
	// ErrRetry is the base error for retry operations.
	ErrRetry = errors.New("retry")

	// ErrMaxAttempts is returned when all attempts failed.
	ErrMaxAttempts = fmt.Errorf("%w: max attempts reached", ErrRetry)

	// ErrTimeout is returned when the overall timeout expired.
	ErrTimeout = fmt.Errorf("%w: timeout reached", ErrRetry)

	// ErrNotRetryable is returned when an error is not retryable.
	ErrNotRetryable = fmt.Errorf("%w: not retryable", ErrRetry)
)

// BackoffFunc returns the wait before retry attempt. attempt is one-based
// (1 for the first retry).
type BackoffFunc func(attempt int) time.Duration

// ConstantBackoff waits delay before every retry. jitter randomizes the
// wait: 0.2 means ±20%.
func ConstantBackoff(delay time.Duration, jitter float64) BackoffFunc {
	applyJitter := newApplyJitterFunc(jitter)
	return func(int) time.Duration {
		return applyJitter(delay)
	}
}

// ExponentialBackoff waits initialDelay * factor^(attempt-1), capped at
// maxDelay if positive, with jitter applied after capping.
func ExponentialBackoff(initialDelay time.Duration, factor float64, maxDelay time.Duration, jitter float64) BackoffFunc {
	applyJitter := newApplyJitterFunc(jitter)
	return func(attempt int) time.Duration {
		backoff := time.Duration(float64(initialDelay) * math.Pow(factor, float64(attempt-1)))
		if maxDelay > 0 && backoff > maxDelay {
			backoff = maxDelay
		}
		return applyJitter(backoff)
	}
}

func newApplyJitterFunc(jitter float64) func(time.Duration) time.Duration {
	if jitter <= 0 {
		return func(d time.Duration) time.Duration { return d }
	}
	jitter = min(jitter, 1)
	return func(d time.Duration) time.Duration {
		delta := (rand.Float64()*2 - 1) * jitter * float64(d)
		return time.Duration(float64(d) + delta)
	}
}

// ShouldRetryFunc decides whether err triggers another attempt.
type ShouldRetryFunc func(error) bool

// ShouldRetry retries on errs, matched with errors.Is. Without errs every
// error is retried.
func ShouldRetry(errs ...error) ShouldRetryFunc {
	if len(errs) == 0 {
		return func(error) bool { return true }
	}
	return func(err error) bool {
		for _, e := range errs {
			if errors.Is(err, e) {
				return true
			}
		}
		return false
	}
}

// ShouldNotRetry retries on every error except errs.
func ShouldNotRetry(errs ...error) ShouldRetryFunc {
	if len(errs) == 0 {
		return func(error) bool { return false }
	}
	return func(err error) bool {
		for _, e := range errs {
			if errors.Is(err, e) {
				return false
			}
		}
		return true
	}
}

// Config configures [Do].
type Config struct {
	// ShouldRetry selects the errors that are retried (default: all).
	ShouldRetry ShouldRetryFunc
	// Backoff is the wait between attempts
	// (default: 1s constant with ±20% jitter).
	Backoff BackoffFunc
	// MaxAttempts limits the attempts including the first (default: 3).
	// Negative values retry until the timeout.
	MaxAttempts int
	// Timeout bounds all attempts together (default: 1m).
	Timeout time.Duration
}

func (c Config) parse() Config {
	if c.ShouldRetry == nil {
		c.ShouldRetry = ShouldRetry()
	}
	if c.Backoff == nil {
		c.Backoff = ConstantBackoff(time.Second, 0.2)
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	} else if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	return c
}

// Error is returned by [Do] once it gave up. It matches the abort reason
// and every cause with errors.Is.
type Error struct {
	Attempts int
	Causes   []error
	Err      error
}

func (e *Error) Error() string {
	if len(e.Causes) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s after %d attempts: %s", e.Err, e.Attempts, e.Causes[len(e.Causes)-1])
}

func (e *Error) Unwrap() []error {
	return append([]error{e.Err}, e.Causes...)
}

// Do calls fn until it succeeds, returns an error that is not retried, the
// attempts are exhausted or the timeout or ctx expire.
func Do(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	cfg = cfg.parse()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	state := &Error{}
	for {
		state.Attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		state.Causes = append(state.Causes, err)

		if !cfg.ShouldRetry(err) {
			state.Err = ErrNotRetryable
			return state
		}
		if cfg.MaxAttempts > 0 && state.Attempts >= cfg.MaxAttempts {
			state.Err = ErrMaxAttempts
			return state
		}

		wait := time.NewTimer(cfg.Backoff(state.Attempts))
		select {
		case <-wait.C:
		case <-ctx.Done():
			wait.Stop()
			state.Err = ErrTimeout
			return state
		}
	}
}
