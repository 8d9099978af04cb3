package retry

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/code-payments/code-coordinator/pkg/retry/backoff"
)

func TestLimit(t *testing.T) {
	strategy := Limit(2)

	assert.True(t, strategy(1, errors.New("test")))
	assert.False(t, strategy(2, errors.New("test")))

	counter, err := Retry(func() error {
		return errors.New("test")
	}, Limit(2))

	assert.EqualError(t, err, "test")
	assert.Equal(t, uint(2), counter)
}

func TestNonRetriableErrors(t *testing.T) {
	nonRetriable := errors.New("fatal")
	strategy := NonRetriableErrors(nonRetriable, context.Canceled)

	assert.False(t, strategy(1, nonRetriable))
	assert.False(t, strategy(1, context.Canceled))
	assert.False(t, strategy(1, errors.Join(errors.New("wrapped"), nonRetriable)))
	assert.True(t, strategy(1, errors.New("unexpected")))
}

func TestUntilDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	strategy := UntilDone(ctx)

	assert.True(t, strategy(1, errors.New("err")))
	cancel()
	assert.False(t, strategy(2, errors.New("err")))
}

func TestBackoff(t *testing.T) {
	ts := &testSleeper{}
	sleeperImpl = ts
	strategy := Backoff(backoff.Constant(100*time.Millisecond), time.Second)

	for i := uint(0); i < 10; i++ {
		assert.True(t, strategy(i+1, errors.New("test-error")))
	}

	assert.EqualValues(t, time.Second, ts.Total())
	assert.EqualValues(t, 100*time.Millisecond, ts.Mean())
	assert.EqualValues(t, 0, ts.AbsDeviation())
}

func TestBackoff_Capped(t *testing.T) {
	ts := &testSleeper{}
	sleeperImpl = ts
	strategy := Backoff(backoff.BinaryExponential(time.Second), 3*time.Second)

	for i := uint(1); i <= 4; i++ {
		strategy(i, errors.New("err"))
	}

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, ts.sleepTimes)
}

func TestBackoffWithJitter(t *testing.T) {
	iterations := 10000
	delay := time.Millisecond

	ts := &testSleeper{}
	sleeperImpl = ts
	strategy := BackoffWithJitter(backoff.Constant(delay), delay, 0.1)

	for i := 0; i < iterations; i++ {
		assert.True(t, strategy(1, errors.New("err")))
	}

	// Total is (iterations * delay) +/- 10%.
	assert.InDelta(t, float64(10*time.Second), float64(ts.Total()), float64(time.Second))

	// Mean is the delay +/- 10%.
	assert.InDelta(t, float64(delay), float64(ts.Mean()), 0.1*float64(delay))

	// A uniform 10% window around the mean has a mean absolute deviation of 5%.
	assert.InDelta(t, 0.05*float64(delay), float64(ts.AbsDeviation()), 0.05*0.05*float64(delay))
}

type testSleeper struct {
	sleepTimes []time.Duration
}

func (t *testSleeper) Sleep(d time.Duration) {
	t.sleepTimes = append(t.sleepTimes, d)
}

func (t *testSleeper) Total() (total time.Duration) {
	for _, d := range t.sleepTimes {
		total += d
	}
	return total
}

func (t *testSleeper) Mean() time.Duration {
	return time.Duration(int(t.Total()) / len(t.sleepTimes))
}

func (t *testSleeper) AbsDeviation() (dev time.Duration) {
	mean := t.Mean()
	for _, d := range t.sleepTimes {
		dev += time.Duration(math.Abs(float64(d) - float64(mean)))
	}
	return time.Duration(int(dev) / len(t.sleepTimes))
}
