package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/code-payments/code-coordinator/pkg/retry/backoff"
)

// Strategy decides whether a failed action should be attempted again. It may
// sleep or have other side effects.
type Strategy func(attempts uint, err error) bool

// Limit caps the total number of attempts. maxAttempts should be >= 1, since
// the action is always evaluated once.
func Limit(maxAttempts uint) Strategy {
	return func(attempts uint, _ error) bool {
		return attempts < maxAttempts
	}
}

// NonRetriableErrors stops retrying when the error matches any of the provided
// errors.
func NonRetriableErrors(nonRetriableErrors ...error) Strategy {
	return func(_ uint, err error) bool {
		for _, e := range nonRetriableErrors {
			if errors.Is(err, e) {
				return false
			}
		}

		return true
	}
}

// UntilDone stops retrying once ctx is done.
func UntilDone(ctx context.Context) Strategy {
	return func(_ uint, _ error) bool {
		return ctx.Err() == nil
	}
}

// Backoff sleeps for the delay given by strategy, capped at maxBackoff.
func Backoff(strategy backoff.Strategy, maxBackoff time.Duration) Strategy {
	return func(attempts uint, _ error) bool {
		sleeperImpl.Sleep(capped(strategy(attempts), maxBackoff))
		return true
	}
}

// BackoffWithJitter is Backoff with the capped delay randomly moved by up to
// +/- jitter (a fraction of the delay).
func BackoffWithJitter(strategy backoff.Strategy, maxBackoff time.Duration, jitter float64) Strategy {
	return func(attempts uint, _ error) bool {
		delay := capped(strategy(attempts), maxBackoff)
		sleeperImpl.Sleep(time.Duration(float64(delay) * (1 + (rand.Float64()*jitter*2 - jitter))))
		return true
	}
}

func capped(delay, maxDelay time.Duration) time.Duration {
	return time.Duration(math.Min(float64(maxDelay), float64(delay)))
}

type sleeper interface {
	Sleep(time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

var sleeperImpl sleeper = realSleeper{}
