package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ExponentialBackoff returns a deterministic (unjittered) exponential schedule.
func ExponentialBackoff(baseDelay, maxDelay time.Duration, multiplier float64) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = baseDelay
	exp.MaxInterval = maxDelay
	exp.Multiplier = multiplier
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

// CalculateBackoffDuration returns the wait before attempt+1, where attempt is 1-based.
func CalculateBackoffDuration(attempt int, baseDelay time.Duration, multiplier float64, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	duration := float64(baseDelay) * math.Pow(multiplier, float64(attempt-1))
	if maxDelay > 0 && duration > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(duration)
}
