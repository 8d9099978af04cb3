// Package future provides a single-assignment result that can be settled from
// any goroutine and observed from any other.
//
// A Future is settled exactly once, either with a value (Complete) or an error
// (Fail). Later attempts are ignored and reported as such, which lets several
// racing producers (a backend callback, a timeout, a cancelled context) compete
// to settle the same Future without coordination.
package future

import (
	"context"
	"sync"
)

// Future is a thread-safe, single-assignment promise.
type Future[T any] struct {
	doneCh chan struct{}

	mu        sync.Mutex
	settled   bool
	val       T
	err       error
	callbacks []func(T, error)
}

// New returns an unsettled Future.
func New[T any]() *Future[T] {
	return &Future[T]{
		doneCh: make(chan struct{}),
	}
}

// Completed returns a Future already settled with val.
func Completed[T any](val T) *Future[T] {
	f := New[T]()
	f.Complete(val)
	return f
}

// Failed returns a Future already settled with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete settles the Future with val. It returns false if the Future was
// already settled.
func (f *Future[T]) Complete(val T) bool {
	return f.settle(val, nil)
}

// Fail settles the Future with err. It returns false if the Future was already
// settled. A nil err settles the Future with the zero value.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(val T, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}

	f.settled = true
	f.val = val
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.doneCh)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(val, err)
	}

	return true
}

// Done returns a channel that is closed once the Future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.doneCh
}

// Result returns the settled value and error. ok is false if the Future has not
// been settled yet.
func (f *Future[T]) Result() (val T, ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.val, f.settled, f.err
}

// Wait blocks until the Future is settled or ctx is done. A done ctx does not
// settle the Future.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.doneCh:
		val, _, err := f.Result()
		return val, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnSettled registers cb to run once the Future is settled. If it already is,
// cb runs immediately on the calling goroutine; otherwise it runs on the
// goroutine that settles the Future.
func (f *Future[T]) OnSettled(cb func(T, error)) {
	f.mu.Lock()
	if !f.settled {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	val, err := f.val, f.err
	f.mu.Unlock()

	cb(val, err)
}
