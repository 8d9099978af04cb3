// Package rate provides keyed rate limiters.
package rate

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter limits operations based on a provided key.
type Limiter interface {
	Allow(key string) bool
}

type localRateLimiter struct {
	limit   rate.Limit
	burst   int
	maxKeys int

	sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLocalRateLimiter returns an in memory limiter allowing limit events per
// second, with bursts of up to burst events, for each key.
//
// At most maxKeys keys are tracked. Once exceeded, all keys are forgotten and
// start over with a full burst.
func NewLocalRateLimiter(limit rate.Limit, burst, maxKeys int) Limiter {
	if burst < 1 {
		burst = 1
	}
	if maxKeys < 1 {
		maxKeys = 1
	}

	return &localRateLimiter{
		limit:    limit,
		burst:    burst,
		maxKeys:  maxKeys,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow implements Limiter.Allow.
func (l *localRateLimiter) Allow(key string) bool {
	l.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.maxKeys {
			clear(l.limiters)
		}

		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	l.Unlock()

	return limiter.Allow()
}

type globalRateLimiter struct {
	limiter *rate.Limiter
}

// NewGlobalRateLimiter returns a limiter sharing one budget across all keys.
func NewGlobalRateLimiter(limit rate.Limit, burst int) Limiter {
	if burst < 1 {
		burst = 1
	}
	return &globalRateLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// Allow implements Limiter.Allow.
func (l *globalRateLimiter) Allow(string) bool {
	return l.limiter.Allow()
}

type allLimiter []Limiter

// All returns a limiter that allows a key only when every limiter does.
// Limiters are consulted in order and stop at the first denial.
func All(limiters ...Limiter) Limiter {
	return allLimiter(limiters)
}

// Allow implements Limiter.Allow.
func (l allLimiter) Allow(key string) bool {
	for _, limiter := range l {
		if !limiter.Allow(key) {
			return false
		}
	}
	return true
}

// NoLimiter never limits operations
type NoLimiter struct {
}

// Allow implements Limiter.Allow.
func (n *NoLimiter) Allow(string) bool {
	return true
}
