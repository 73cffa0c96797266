package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds an external call: per-attempt timeout, attempt count and
// exponential backoff capped at MaxDelay.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Timeout   time.Duration
}

// DefaultRetryPolicy is used when nothing is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
		Timeout:   30 * time.Second,
	}
}

// BackOff returns the delay schedule between attempts: BaseDelay doubling
// per attempt, capped at MaxDelay, without jitter.
func (p RetryPolicy) BackOff() backoff.BackOff {
	if p.BaseDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = backoff.DefaultMaxInterval
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	b.Reset()
	return b
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done. It returns the number of attempts made.
// A timed-out attempt counts as a failed attempt.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var (
		attempt int
		lastErr error
	)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		attemptCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := fn(attemptCtx, attempt)
		cancel()

		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.BackOff()),
		backoff.WithMaxTries(uint(attempts)),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if err != nil && lastErr != nil && ctx.Err() != nil && !errors.Is(err, lastErr) {
		// cancelled while waiting between attempts
		return attempt, fmt.Errorf("%w (last error: %v)", err, lastErr)
	}
	return attempt, err
}
