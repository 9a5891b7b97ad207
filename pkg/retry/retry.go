package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

// Policy is the in-process retry budget applied to a single message.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(p.MaxAttempts)))
	}
	return p
}

// WithMaxAttempts returns a copy of p limited to n attempts (never fewer than one).
func (p Policy) WithMaxAttempts(n int) Policy {
	if n < 1 {
		n = 1
	}
	p.MaxAttempts = n
	return p
}

// Delays lists the waits between consecutive attempts.
func (p Policy) Delays() []time.Duration {
	p = p.normalized()
	delays := make([]time.Duration, 0, p.MaxAttempts-1)
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		delays = append(delays, CalculateBackoffDuration(attempt, p.BaseDelay, p.Multiplier, p.MaxDelay))
	}
	return delays
}

// Do runs fn until it succeeds, returns a fatal error, the context is done, or
// policy.MaxAttempts is exhausted. It reports how many attempts were made.
func Do(ctx context.Context, policy Policy, fn func(attempt int) error, onRetry func(attempt int, err error, nextDelay time.Duration)) (int, error) {
	policy = policy.normalized()

	var b backoff.BackOff = ExponentialBackoff(policy.BaseDelay, policy.MaxDelay, policy.Multiplier)
	b = backoff.WithContext(b, ctx)
	b = backoff.WithMaxRetries(b, uint64(policy.MaxAttempts-1))

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(attempt)
		if err == nil {
			return nil
		}

		if isFatal(err) {
			return backoff.Permanent(err)
		}

		if onRetry != nil && attempt < policy.MaxAttempts {
			nextDelay := CalculateBackoffDuration(attempt, policy.BaseDelay, policy.Multiplier, policy.MaxDelay)
			onRetry(attempt, err, nextDelay)
		}

		return err
	}

	err := backoff.Retry(operation, b)
	return attempt, err
}

func isFatal(err error) bool {
	var fatalErr FatalError
	if errors.As(err, &fatalErr) && fatalErr.IsFatal() {
		return true
	}
	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return !retryableErr.IsRetryable()
	}
	return false
}
