package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/code-payments/code-coordinator/pkg/retry/backoff"
)

func TestRealSleeper(t *testing.T) {
	sleeperImpl = realSleeper{}

	start := time.Now()
	n, err := Retry(func() error { return errors.New("err") },
		Limit(2),
		Backoff(backoff.Constant(200*time.Millisecond), 200*time.Millisecond),
	)

	assert.Error(t, err)
	assert.EqualValues(t, 2, n)
	assert.True(t, 200*time.Millisecond <= time.Since(start))
	assert.True(t, time.Second > time.Since(start))
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	ts := &testSleeper{}
	sleeperImpl = ts

	var calls int
	n, err := Retry(
		func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		},
		Limit(5),
		Backoff(backoff.Linear(time.Millisecond), time.Second),
	)

	assert.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, ts.sleepTimes)
}
