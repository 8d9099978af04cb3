package future

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_Complete(t *testing.T) {
	f := New[int]()

	_, ok, _ := f.Result()
	require.False(t, ok)

	require.True(t, f.Complete(5))
	val, ok, err := f.Result()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, 5, val)

	require.False(t, f.Complete(6))
	require.False(t, f.Fail(errors.New("late")))

	val, err = f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, val)

	select {
	case <-f.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}
}

func TestFuture_Fail(t *testing.T) {
	expected := errors.New("failed")

	f := Failed[string](expected)
	val, err := f.Wait(context.Background())
	require.ErrorIs(t, err, expected)
	require.Empty(t, val)
	require.False(t, f.Complete("late"))

	val, ok, err := f.Result()
	require.True(t, ok)
	require.ErrorIs(t, err, expected)
	require.Empty(t, val)
}

func TestFuture_WaitContextDoesNotSettle(t *testing.T) {
	f := New[struct{}]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok, _ := f.Result()
	require.False(t, ok)
	require.True(t, f.Complete(struct{}{}))
}

func TestFuture_ConcurrentSettlers(t *testing.T) {
	f := New[int]()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				if f.Complete(i) {
					winners.Add(1)
				}
			} else if f.Fail(errors.New("odd")) {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, winners.Load())
	_, ok, _ := f.Result()
	assert.True(t, ok)
}

func TestFuture_OnSettled(t *testing.T) {
	f := New[int]()

	var got []int
	f.OnSettled(func(v int, err error) {
		require.NoError(t, err)
		got = append(got, v)
	})
	require.Empty(t, got)

	f.Complete(3)
	require.Equal(t, []int{3}, got)

	// Registered after settlement: runs inline.
	f.OnSettled(func(v int, _ error) {
		got = append(got, v*2)
	})
	require.Equal(t, []int{3, 6}, got)
}

func TestCompleted(t *testing.T) {
	val, err := Completed(7).Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, val)
}
