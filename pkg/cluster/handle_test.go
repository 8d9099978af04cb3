package cluster_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/code-coordinator/pkg/cluster"
	"github.com/code-payments/code-coordinator/pkg/cluster/memory"
)

func TestUnclustered(t *testing.T) {
	h := cluster.Unclustered()
	require.False(t, h.IsClustered())
	require.Equal(t, cluster.KindUnknown, h.BackendKind())
	require.Nil(t, h.Adapter())
}

func TestNewHandle_NilAdapter(t *testing.T) {
	_, err := cluster.NewHandle(nil)
	require.Error(t, err)
}

func TestMembershipSetAdapter(t *testing.T) {
	ctx := context.Background()

	c := memory.NewCluster()
	defer c.Close()

	first, err := c.CreateMembership()
	require.NoError(t, err)
	second, err := c.CreateMembership()
	require.NoError(t, err)

	require.NoError(t, second.Register(ctx))
	require.NoError(t, first.Register(ctx))

	adapter := cluster.NewMembershipSetAdapter(c, first)
	require.Equal(t, cluster.KindReplicatedMembershipSet, adapter.Kind())
	require.Equal(t, cluster.NodeID(first.ID()), adapter.LocalID())

	members, err := adapter.Members(ctx)
	require.NoError(t, err)
	require.Equal(t, []cluster.NodeID{cluster.NodeID(second.ID()), cluster.NodeID(first.ID())}, members)

	h, err := cluster.NewHandle(adapter)
	require.NoError(t, err)
	require.True(t, h.IsClustered())
	require.Equal(t, cluster.KindReplicatedMembershipSet, h.BackendKind())
}

func TestBackendKind_String(t *testing.T) {
	require.Equal(t, "replicated-membership-set", cluster.KindReplicatedMembershipSet.String())
	require.Equal(t, "coordinator", cluster.KindCoordinator.String())
	require.Equal(t, "unknown", cluster.BackendKind(42).String())
}
