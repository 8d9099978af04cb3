package leader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/code-coordinator/pkg/cluster"
	"github.com/code-payments/code-coordinator/pkg/cluster/memory"
)

type fakeMembers struct {
	cluster.MembershipSetBase

	local   cluster.NodeID
	members []cluster.NodeID
	err     error
	calls   atomic.Int32
}

func (f *fakeMembers) LocalID() cluster.NodeID { return f.local }

func (f *fakeMembers) Members(context.Context) ([]cluster.NodeID, error) {
	f.calls.Add(1)
	return f.members, f.err
}

type fakeCoordinator struct {
	cluster.CoordinatorBase

	local       cluster.NodeID
	coordinator bool
	err         error
	block       chan struct{}
}

func (f *fakeCoordinator) LocalID() cluster.NodeID { return f.local }

func (f *fakeCoordinator) IsCoordinator(ctx context.Context) (bool, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return f.coordinator, f.err
}

type unknownAdapter struct {
	cluster.CoordinatorBase
}

func (unknownAdapter) Kind() cluster.BackendKind { return cluster.KindUnknown }
func (unknownAdapter) LocalID() cluster.NodeID   { return "x" }

func handle(t *testing.T, a cluster.Adapter) cluster.Handle {
	h, err := cluster.NewHandle(a)
	require.NoError(t, err)
	return h
}

func TestResolver_Unclustered(t *testing.T) {
	r := NewResolver(1)

	for i := 0; i < 3; i++ {
		isLeader, err := r.IsLeader(context.Background(), cluster.Unclustered())
		require.NoError(t, err)
		require.True(t, isLeader)
	}

	_, err := r.NodeID(context.Background(), cluster.Unclustered())
	require.ErrorIs(t, err, ErrNoClusterContext)
}

func TestResolver_MembershipSet(t *testing.T) {
	r := NewResolver(1)
	members := []cluster.NodeID{"A", "B", "C"}

	for _, local := range members {
		adapter := &fakeMembers{local: local, members: members}
		h := handle(t, adapter)

		isLeader, err := r.IsLeader(context.Background(), h)
		require.NoError(t, err)
		assert.Equal(t, local == "A", isLeader, "local=%s", local)

		id, err := r.NodeID(context.Background(), h)
		require.NoError(t, err)
		assert.Equal(t, local, id)
	}
}

func TestResolver_MembershipSet_NoCaching(t *testing.T) {
	r := NewResolver(1)
	adapter := &fakeMembers{local: "B", members: []cluster.NodeID{"A", "B"}}
	h := handle(t, adapter)

	isLeader, err := r.IsLeader(context.Background(), h)
	require.NoError(t, err)
	require.False(t, isLeader)

	adapter.members = []cluster.NodeID{"B"}
	isLeader, err = r.IsLeader(context.Background(), h)
	require.NoError(t, err)
	require.True(t, isLeader)
	require.EqualValues(t, 2, adapter.calls.Load())
}

func TestResolver_MembershipSet_Empty(t *testing.T) {
	r := NewResolver(1)

	isLeader, err := r.IsLeader(context.Background(), handle(t, &fakeMembers{local: "A"}))
	require.NoError(t, err)
	require.False(t, isLeader)
}

func TestResolver_MembershipSet_Error(t *testing.T) {
	r := NewResolver(1)
	backendErr := errors.New("unavailable")

	_, err := r.IsLeader(context.Background(), handle(t, &fakeMembers{local: "A", err: backendErr}))
	require.ErrorIs(t, err, backendErr)
}

func TestResolver_Coordinator(t *testing.T) {
	r := NewResolver(1)

	isLeader, err := r.IsLeader(context.Background(), handle(t, &fakeCoordinator{local: "A", coordinator: true}))
	require.NoError(t, err)
	require.True(t, isLeader)

	isLeader, err = r.IsLeader(context.Background(), handle(t, &fakeCoordinator{local: "B"}))
	require.NoError(t, err)
	require.False(t, isLeader)

	backendErr := errors.New("unavailable")
	_, err = r.IsLeader(context.Background(), handle(t, &fakeCoordinator{local: "B", err: backendErr}))
	require.ErrorIs(t, err, backendErr)
}

func TestResolver_UnknownKind(t *testing.T) {
	r := NewResolver(1)
	h := handle(t, unknownAdapter{})

	_, err := r.IsLeader(context.Background(), h)
	require.ErrorIs(t, err, ErrLeaderUnresolvable)

	_, err = r.NodeID(context.Background(), h)
	require.ErrorIs(t, err, ErrLeaderUnresolvable)
}

func TestResolver_MemoryCluster(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(1)

	c := memory.NewCluster()
	defer c.Close()

	var handles []cluster.Handle
	for i := 0; i < 3; i++ {
		m, err := c.CreateMembership()
		require.NoError(t, err)
		require.NoError(t, m.Register(ctx))
		handles = append(handles, handle(t, cluster.NewMembershipSetAdapter(c, m)))
	}

	for i, h := range handles {
		isLeader, err := r.IsLeader(ctx, h)
		require.NoError(t, err)
		require.Equal(t, i == 0, isLeader)
	}
}

func TestResolver_IsLeaderAsync(t *testing.T) {
	r := NewResolver(1)

	f := r.IsLeaderAsync(context.Background(), handle(t, &fakeCoordinator{local: "A", coordinator: true}))
	isLeader, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, isLeader)

	f = r.IsLeaderAsync(context.Background(), handle(t, unknownAdapter{}))
	_, err = f.Wait(context.Background())
	require.ErrorIs(t, err, ErrLeaderUnresolvable)
}

func TestResolver_IsLeaderAsync_Bounded(t *testing.T) {
	r := NewResolver(1)

	block := make(chan struct{})
	blocked := handle(t, &fakeCoordinator{local: "A", coordinator: true, block: block})

	first := r.IsLeaderAsync(context.Background(), blocked)

	// The only slot is held by the first query.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		second := r.IsLeaderAsync(ctx, blocked)
		_, err := second.Wait(context.Background())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}()
	wg.Wait()

	close(block)
	isLeader, err := first.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, isLeader)
}
