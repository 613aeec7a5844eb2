package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

const (
	// DefaultMaxAttempts is the default number of attempts before giving up.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is the initial backoff delay.
	DefaultBaseDelay = 1 * time.Second

	// DefaultMaxDelay caps the backoff delay.
	DefaultMaxDelay = 10 * time.Second

	// DefaultJitter is the maximum fraction of the delay added as jitter.
	DefaultJitter = 0.25
)

// Policy describes how many times an operation is attempted and how long
// to wait between attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultPolicy is 3 attempts with a 1s, 2s backoff capped at 10s and 25% jitter.
var DefaultPolicy = Policy{
	MaxAttempts: DefaultMaxAttempts,
	BaseDelay:   DefaultBaseDelay,
	MaxDelay:    DefaultMaxDelay,
	Jitter:      DefaultJitter,
}

// NoRetry runs an operation exactly once.
var NoRetry = Policy{MaxAttempts: 1}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do returns it without further attempts.
// A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do retries fn up to maxAttempts times using the default backoff.
// The backoff progression is: 1s, 2s, 4s (with up to 25% jitter).
func Do(ctx context.Context, maxAttempts int, fn func() error) error {
	p := DefaultPolicy
	p.MaxAttempts = maxAttempts
	return p.Do(ctx, fn)
}

// Do runs fn until it succeeds, returns a permanent error, the context is
// cancelled, or the attempts are exhausted. It returns the last error.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	return p.DoNotify(ctx, fn, nil)
}

// DoNotify is like Do but calls onRetry before each wait. attempt is the
// 1-indexed attempt that just failed.
func (p Policy) DoNotify(ctx context.Context, fn func() error, onRetry func(attempt int, err error, delay time.Duration)) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}

		// Don't sleep after the last attempt.
		if attempt < maxAttempts-1 {
			delay := p.backoff(attempt)
			if onRetry != nil {
				onRetry(attempt+1, lastErr, delay)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return lastErr
}

// backoff calculates the delay for the given attempt (0-indexed) with jitter.
func (p Policy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		return 0
	}
	delay := time.Duration(math.Pow(2, float64(attempt))) * base
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	jitter := time.Duration(float64(delay) * p.Jitter * rand.Float64())
	return delay + jitter
}
