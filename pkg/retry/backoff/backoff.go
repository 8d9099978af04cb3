// Package backoff provides delay schedules for retry strategies.
package backoff

import (
	"math"
	"time"
)

// Strategy returns how long to wait before the next attempt. attempts starts at 1.
type Strategy func(attempts uint) time.Duration

// Constant always waits interval.
func Constant(interval time.Duration) Strategy {
	return func(uint) time.Duration {
		return interval
	}
}

// Linear waits baseDelay * attempts: 2s, 4s, 6s, ... for Linear(2*time.Second).
func Linear(baseDelay time.Duration) Strategy {
	return func(attempts uint) time.Duration {
		return saturate(float64(baseDelay) * float64(attempts))
	}
}

// BinaryExponential waits baseDelay * 2^(attempts-1): 2s, 4s, 8s, ... for
// BinaryExponential(2*time.Second).
func BinaryExponential(baseDelay time.Duration) Strategy {
	return func(attempts uint) time.Duration {
		return saturate(float64(baseDelay) * math.Pow(2, float64(attempts-1)))
	}
}

func saturate(delay float64) time.Duration {
	if delay >= math.MaxInt64 || delay < 0 {
		return math.MaxInt64
	}
	return time.Duration(delay)
}
