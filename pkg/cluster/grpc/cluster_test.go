package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/code-payments/code-coordinator/pkg/cluster/memory"
	"github.com/code-payments/code-coordinator/pkg/cluster/registry"
)

type testEnv struct {
	reg       *registry.ClusteredRegistry
	listeners map[string]*bufconn.Listener
	client    healthpb.HealthClient
}

// Each server reports its own address as the only SERVING health service, so
// a Check for that address only succeeds on the node that was picked.
func setup(t *testing.T, weights map[string]uint32) (*testEnv, map[string]registry.Node) {
	ctx := context.Background()

	c := memory.NewCluster()
	t.Cleanup(c.Close)

	reg := registry.NewClusteredRegistry(c)
	t.Cleanup(reg.Close)

	env := &testEnv{
		reg:       reg,
		listeners: make(map[string]*bufconn.Listener),
	}

	nodes := make(map[string]registry.Node)
	for addr, weight := range weights {
		lis := bufconn.Listen(1 << 20)
		env.listeners[addr] = lis

		hs := health.NewServer()
		hs.SetServingStatus(addr, healthpb.HealthCheckResponse_SERVING)

		server := grpc.NewServer()
		healthpb.RegisterHealthServer(server, hs)
		go func() {
			_ = server.Serve(lis)
		}()
		t.Cleanup(server.Stop)

		n, err := reg.NewNode(addr, weight)
		require.NoError(t, err)
		require.NoError(t, n.Register(ctx))
		nodes[addr] = n
	}

	require.Eventually(t, func() bool {
		registered, err := reg.GetNodes()
		return err == nil && len(registered) == len(weights)
	}, time.Second, 5*time.Millisecond)

	conn, err := grpc.NewClient(
		Scheme+":///coordinator",
		grpc.WithResolvers(NewResolverBuilder(reg)),
		grpc.WithDefaultServiceConfig(BalancerConfig),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return env.listeners[addr].DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	env.client = healthpb.NewHealthClient(conn)
	return env, nodes
}

func (e *testEnv) check(ctx context.Context, service string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	_, err := e.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service}, grpc.WaitForReady(true))
	return err
}

func TestRoutingKey(t *testing.T) {
	env, nodes := setup(t, map[string]uint32{
		"node-a:8086": 100,
		"node-b:8086": 100,
	})

	addrByID := make(map[string]string)
	for addr, n := range nodes {
		addrByID[string(n.ID())] = addr
	}

	for i := 0; i < 32; i++ {
		key := []byte{byte(i)}
		owner := addrByID[string(env.reg.Owner(key))]
		require.NotEmpty(t, owner)

		ctx := WithRoutingKey(context.Background(), key)
		require.NoError(t, env.check(ctx, owner), "key %d should route to %s", i, owner)
	}
}

func TestWeightedWithoutRoutingKey(t *testing.T) {
	env, _ := setup(t, map[string]uint32{
		"node-a:8086": 100,
		"node-b:8086": 0,
	})

	// b owns no weight, so every unkeyed call lands on a.
	require.Eventually(t, func() bool {
		return env.check(context.Background(), "node-a:8086") == nil
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 16; i++ {
		require.NoError(t, env.check(context.Background(), "node-a:8086"))
	}
}

func TestWeightChangeReroutes(t *testing.T) {
	env, nodes := setup(t, map[string]uint32{
		"node-a:8086": 0,
		"node-b:8086": 100,
	})

	require.Eventually(t, func() bool {
		return env.check(context.Background(), "node-b:8086") == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, nodes["node-a:8086"].SetWeight(100))
	require.NoError(t, nodes["node-b:8086"].SetWeight(0))

	require.Eventually(t, func() bool {
		return env.check(context.Background(), "node-a:8086") == nil
	}, 2*time.Second, 10*time.Millisecond)
}
