package migration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/code-coordinator/pkg/cluster"
	"github.com/code-payments/code-coordinator/pkg/cluster/memory"
	"github.com/code-payments/code-coordinator/pkg/cluster/partition"
	"github.com/code-payments/code-coordinator/pkg/future"
)

type fakeBackend struct {
	mu        sync.Mutex
	safe      bool
	safeErr   error
	addErr    error
	removeErr error
	listeners map[string]partition.MigrationListener
	adds      int
	removes   int
}

func newFakeBackend(safe bool) *fakeBackend {
	return &fakeBackend{
		safe:      safe,
		listeners: make(map[string]partition.MigrationListener),
	}
}

func (b *fakeBackend) IsClusterSafe(context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.safe, b.safeErr
}

func (b *fakeBackend) AddMigrationListener(l partition.MigrationListener) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.adds++
	if b.addErr != nil {
		return "", b.addErr
	}
	b.listeners["l"] = l
	return "l", nil
}

func (b *fakeBackend) RemoveMigrationListener(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removes++
	delete(b.listeners, id)
	return b.removeErr
}

func (b *fakeBackend) emit(e partition.MigrationEvent) {
	b.mu.Lock()
	var listeners []partition.MigrationListener
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		if e.Success {
			l.MigrationCompleted(e)
		} else {
			l.MigrationFailed(e)
		}
	}
}

func (b *fakeBackend) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.adds, b.removes
}

func waitResult(t *testing.T, f *future.Future[struct{}]) error {
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "barrier never settled")
	}

	_, _, err := f.Result()
	return err
}

func waitRemoves(t *testing.T, backend *fakeBackend, n int) {
	require.Eventually(t, func() bool {
		_, removes := backend.counts()
		return removes == n
	}, time.Second, time.Millisecond)

	// Settle callbacks run once; make sure no second removal follows.
	time.Sleep(10 * time.Millisecond)
	_, removes := backend.counts()
	require.Equal(t, n, removes)
}

func TestBarrier_FastPath(t *testing.T) {
	backend := newFakeBackend(true)
	b := NewBarrier(backend)

	f := b.OnSafeToExecute(context.Background(), "fast")
	_, ok, err := f.Result()
	require.True(t, ok)
	require.NoError(t, err)

	adds, removes := backend.counts()
	require.Zero(t, adds)
	require.Zero(t, removes)
}

func TestBarrier_Completed(t *testing.T) {
	backend := newFakeBackend(false)
	b := NewBarrier(backend)

	f := b.OnSafeToExecute(context.Background(), "slow")
	_, ok, _ := f.Result()
	require.False(t, ok)

	backend.emit(partition.MigrationEvent{Success: true, Description: "done"})
	require.NoError(t, waitResult(t, f))

	// Later events are ignored and do not remove again.
	backend.emit(partition.MigrationEvent{Success: false})

	adds, removes := backend.counts()
	require.Equal(t, 1, adds)
	require.Equal(t, 1, removes)
}

func TestBarrier_Failed(t *testing.T) {
	backend := newFakeBackend(false)
	b := NewBarrier(backend)

	f := b.OnSafeToExecute(context.Background(), "slow")

	event := partition.MigrationEvent{
		Success:     false,
		Elapsed:     42 * time.Millisecond,
		Description: "replica lost",
		Partition:   7,
		From:        cluster.NodeID("a"),
		To:          cluster.NodeID("b"),
	}
	backend.emit(event)

	err := waitResult(t, f)
	var failure *MigrationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, event, failure.Event)
	assert.EqualValues(t, 42, failure.Event.ElapsedMillis())
	assert.Contains(t, failure.Error(), "replica lost")

	_, removes := backend.counts()
	require.Equal(t, 1, removes)
}

func TestBarrier_RemoveErrorIsLogged(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	backend := newFakeBackend(false)
	backend.removeErr = errors.New("gone")
	b := NewBarrier(backend)

	f := b.OnSafeToExecute(context.Background(), "slow")
	backend.emit(partition.MigrationEvent{Success: true})
	require.NoError(t, waitResult(t, f))

	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.ErrorLevel && e.Message == "Failed to remove migration listener" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestBarrier_BackendErrors(t *testing.T) {
	backend := newFakeBackend(false)
	backend.safeErr = errors.New("unavailable")
	b := NewBarrier(backend)

	_, err := b.OnSafeToExecute(context.Background(), "x").Wait(context.Background())
	require.ErrorIs(t, err, backend.safeErr)

	backend = newFakeBackend(false)
	backend.addErr = errors.New("closed")
	b = NewBarrier(backend)

	_, err = b.OnSafeToExecute(context.Background(), "x").Wait(context.Background())
	require.ErrorIs(t, err, backend.addErr)

	_, removes := backend.counts()
	require.Zero(t, removes)
}

func TestBarrier_Timeout(t *testing.T) {
	backend := newFakeBackend(false)
	b := NewBarrier(backend)

	f := b.OnSafeToExecute(context.Background(), "slow", WithTimeout(20*time.Millisecond))
	require.ErrorIs(t, waitResult(t, f), ErrBarrierTimeout)
	waitRemoves(t, backend, 1)
}

func TestBarrier_ContextCancelled(t *testing.T) {
	backend := newFakeBackend(false)
	b := NewBarrier(backend)

	ctx, cancel := context.WithCancel(context.Background())
	f := b.OnSafeToExecute(ctx, "slow")
	cancel()

	require.ErrorIs(t, waitResult(t, f), context.Canceled)
	waitRemoves(t, backend, 1)
}

func TestBarrier_NoMigrationBlocks(t *testing.T) {
	backend := newFakeBackend(false)
	b := NewBarrier(backend)

	f := b.OnSafeToExecute(context.Background(), "slow")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, settled, _ := f.Result()
	require.False(t, settled)
}

func TestBarrier_PartitionService(t *testing.T) {
	ctx := context.Background()

	c := memory.NewCluster()
	defer c.Close()

	first, err := c.CreateMembership()
	require.NoError(t, err)
	require.NoError(t, first.Register(ctx))

	release := make(chan struct{})
	svc, err := partition.NewService(c, partition.MigratorFunc(func(ctx context.Context, _ int, _, _ cluster.NodeID) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}), partition.WithPartitionCount(16))
	require.NoError(t, err)
	defer svc.Close()

	require.Eventually(t, func() bool {
		safe, _ := svc.IsClusterSafe(ctx)
		return safe
	}, 5*time.Second, 5*time.Millisecond)

	b := NewBarrier(svc)
	require.NoError(t, waitResult(t, b.OnSafeToExecute(ctx, "steady state")))

	second, err := c.CreateMembership()
	require.NoError(t, err)
	require.NoError(t, second.Register(ctx))

	require.Eventually(t, func() bool {
		safe, _ := svc.IsClusterSafe(ctx)
		return !safe
	}, 5*time.Second, 5*time.Millisecond)

	f := b.OnSafeToExecute(ctx, "rebalancing")
	close(release)
	require.NoError(t, waitResult(t, f))
}
