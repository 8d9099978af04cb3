package main

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	v3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/code-payments/code-coordinator/pkg/cluster"
	"github.com/code-payments/code-coordinator/pkg/cluster/election"
	clusteretcd "github.com/code-payments/code-coordinator/pkg/cluster/etcd"
	clustergrpc "github.com/code-payments/code-coordinator/pkg/cluster/grpc"
	"github.com/code-payments/code-coordinator/pkg/cluster/memory"
	"github.com/code-payments/code-coordinator/pkg/cluster/partition"
	clusterraft "github.com/code-payments/code-coordinator/pkg/cluster/raft"
	"github.com/code-payments/code-coordinator/pkg/cluster/registry"
	"github.com/code-payments/code-coordinator/pkg/correlation"
	"github.com/code-payments/code-coordinator/pkg/correlation/logger"
	"github.com/code-payments/code-coordinator/pkg/grpc/app"
	"github.com/code-payments/code-coordinator/pkg/leader"
	"github.com/code-payments/code-coordinator/pkg/metrics"
	"github.com/code-payments/code-coordinator/pkg/migration"
)

const (
	componentName = "coordinator"

	// healthService reports whether partitions are settled on this node.
	healthService = "coordinator.partitions"
)

type coordinatorApp struct {
	log    *logrus.Entry
	health *health.Server

	cfg config
	hop correlation.Hop

	// closers run in reverse order on Stop.
	closers []func()

	cluster    cluster.Cluster
	registry   *registry.ClusteredRegistry
	node       registry.Node
	handle     cluster.Handle
	resolver   *leader.Resolver
	partitions *partition.Service
	barrier    *migration.Barrier
	peers      *grpc.ClientConn

	stopOnce   sync.Once
	shutdownCh chan struct{}
}

func newCoordinatorApp(hs *health.Server) *coordinatorApp {
	return &coordinatorApp{
		log:        logrus.StandardLogger().WithField("type", "coordinator/app"),
		health:     hs,
		shutdownCh: make(chan struct{}),
	}
}

// Init implements app.App.
func (a *coordinatorApp) Init(raw app.Config, env app.Env) error {
	cfg, err := decodeConfig(raw)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.hop = correlation.Hop{Component: componentName, InstanceID: env.InstanceID}

	if err := a.init(env); err != nil {
		a.Stop()
		return err
	}
	return nil
}

func (a *coordinatorApp) init(env app.Env) error {
	ctx := context.Background()

	a.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)

	var etcdClient *v3.Client
	switch a.cfg.Backend {
	case backendEtcd, backendElection:
		var err error
		etcdClient, err = v3.New(v3.Config{
			Endpoints:   a.cfg.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return errors.Wrap(err, "failed to create etcd client")
		}
		a.onStop(func() { _ = etcdClient.Close() })

		a.cluster = clusteretcd.NewCluster(etcdClient, path.Join(a.cfg.EtcdRoot, "members"), a.cfg.MemberTTL)
	default:
		a.cluster = memory.NewCluster()
	}
	a.onStop(a.cluster.Close)

	a.registry = registry.NewClusteredRegistry(a.cluster)
	a.onStop(a.registry.Close)

	node, err := a.registry.NewNode(a.cfg.AdvertiseAddress, a.cfg.Weight)
	if err != nil {
		return errors.Wrap(err, "failed to create registry node")
	}
	a.node = node

	adapter, err := a.newAdapter(etcdClient, env)
	if err != nil {
		return err
	}
	a.handle, err = cluster.NewHandle(adapter)
	if err != nil {
		return err
	}

	a.resolver = leader.NewResolver(a.cfg.ResolverConcurrency)

	migrator := newHandoffMigrator(a.registry, a.hop, app.ClientDialOptions(env.Tracker)...)
	a.onStop(migrator.Close)

	a.partitions, err = partition.NewService(
		a.cluster,
		partition.MigratorFunc(func(ctx context.Context, p int, from, to cluster.NodeID) error {
			ctx, cancel := context.WithTimeout(ctx, a.cfg.MigrationTimeout)
			defer cancel()
			return migrator.Migrate(ctx, p, from, to)
		}),
		partition.WithPartitionCount(a.cfg.PartitionCount),
		partition.WithMaxAttempts(a.cfg.MigrationMaxAttempts),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create partition service")
	}
	a.onStop(a.partitions.Close)

	if _, err := a.partitions.AddMigrationListener(metrics.NewMigrationRecorder(env.Metrics)); err != nil {
		return err
	}
	if _, err := a.partitions.AddMigrationListener(partition.ListenerFuncs{
		Completed: func(partition.MigrationEvent) { a.updateHealth(ctx) },
		Failed:    func(partition.MigrationEvent) { a.updateHealth(ctx) },
	}); err != nil {
		return err
	}

	a.barrier = migration.NewBarrier(a.partitions)

	a.peers, err = grpc.NewClient(
		clustergrpc.Scheme+":///"+componentName,
		append(
			app.ClientDialOptions(env.Tracker),
			grpc.WithResolvers(clustergrpc.NewResolverBuilder(a.registry)),
			grpc.WithDefaultServiceConfig(clustergrpc.BalancerConfig),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)...,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create cluster client")
	}
	a.onStop(func() { _ = a.peers.Close() })

	// Registering last makes the node visible only once it can serve.
	if err := a.node.Register(ctx); err != nil {
		return errors.Wrap(err, "failed to register node")
	}
	a.onStop(func() {
		if err := a.node.Deregister(context.Background()); err != nil {
			a.log.WithError(err).Warn("Failed to deregister node")
		}
	})

	scheduler := cron.New(
		cron.WithLocation(time.Local),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(a.log))),
	)
	if _, err := scheduler.AddFunc(a.cfg.LeaderCheckSchedule, a.leaderCheck); err != nil {
		return errors.Wrap(err, "invalid leader_check_schedule")
	}
	scheduler.Start()
	a.onStop(func() { <-scheduler.Stop().Done() })

	a.log.WithFields(logrus.Fields{
		"backend": a.cfg.Backend,
		"node":    a.node.ID(),
		"address": a.cfg.AdvertiseAddress,
	}).Info("Coordinator initialized")

	return nil
}

func (a *coordinatorApp) newAdapter(etcdClient *v3.Client, env app.Env) (cluster.Adapter, error) {
	membership := a.node.Membership()

	switch a.cfg.Backend {
	case backendElection:
		c, err := election.New(etcdClient, path.Join(a.cfg.EtcdRoot, "election"), cluster.NodeID(membership.ID()), a.cfg.MemberTTL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to start election")
		}
		a.onStop(c.Close)
		return c, nil
	case backendRaft:
		id := a.cfg.RaftID
		if id == "" {
			id = env.InstanceID
		}

		peers, err := a.cfg.raftPeers()
		if err != nil {
			return nil, err
		}

		r, err := clusterraft.NewNode(clusterraft.NodeConfig{
			ID:               id,
			BindAddress:      a.cfg.RaftBindAddress,
			AdvertiseAddress: a.cfg.RaftAdvertiseAddress,
			Peers:            peers,
			Bootstrap:        a.cfg.RaftBootstrap,
		})
		if err != nil {
			return nil, err
		}
		a.onStop(func() { _ = r.Shutdown().Error() })

		adapter, err := clusterraft.New(r, cluster.NodeID(id))
		if err != nil {
			return nil, err
		}
		return adapter, nil
	default:
		return cluster.NewMembershipSetAdapter(a.cluster, membership), nil
	}
}

// leaderCheck runs on the leader only, once no partition is migrating. It
// reports the partition layout and health checks the peer owning the run's
// correlation id through the cluster balancer.
func (a *coordinatorApp) leaderCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.LeaderCheckTimeout)
	defer cancel()

	cc := correlation.New().WithHop(a.hop.Component, a.hop.InstanceID)
	ctx = correlation.NewContext(ctx, cc)
	log := logger.FromContext(ctx).WithField("type", "coordinator/leader_check")

	a.updateHealth(ctx)

	isLeader, err := a.resolver.IsLeaderAsync(ctx, a.handle).Wait(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to resolve leadership")
		return
	}
	if !isLeader {
		log.Debug("Not the leader, skipping")
		return
	}

	_, err = a.barrier.OnSafeToExecute(ctx, "leader check", migration.WithTimeout(a.cfg.BarrierTimeout)).Wait(ctx)
	if err != nil {
		log.WithError(err).Warn("Cluster did not settle")
		return
	}

	owned := make(map[cluster.NodeID]int)
	for p := 0; p < a.partitions.PartitionCount(); p++ {
		owner, err := a.partitions.Owner(p)
		if err != nil {
			log.WithError(err).Warn("Failed to read partition owner")
			return
		}
		owned[owner]++
	}

	fields := logrus.Fields{}
	for id, count := range owned {
		fields["partitions."+string(id)] = count
	}
	log.WithFields(fields).Info("Partition layout")

	// Calls routed by correlation id land on the same peer for the whole run.
	_, err = healthpb.NewHealthClient(a.peers).Check(
		clustergrpc.WithStringRoutingKey(ctx, cc.ID),
		&healthpb.HealthCheckRequest{Service: healthService},
	)
	if err != nil {
		log.WithError(err).WithField("owner", a.registry.Owner([]byte(cc.ID))).Warn("Routed health check failed")
	}
}

func (a *coordinatorApp) updateHealth(ctx context.Context) {
	safe, err := a.partitions.IsClusterSafe(ctx)
	if err != nil {
		a.log.WithError(err).Debug("Failed to read cluster safety")
		return
	}

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if safe {
		status = healthpb.HealthCheckResponse_SERVING
	}
	a.health.SetServingStatus(healthService, status)
}

func (a *coordinatorApp) onStop(fn func()) {
	a.closers = append(a.closers, fn)
}

// RegisterWithGRPC implements app.App. The coordinator serves no services of
// its own; its state is exposed through the health service.
func (a *coordinatorApp) RegisterWithGRPC(_ *grpc.Server) {
}

// ShutdownChan implements app.App.
func (a *coordinatorApp) ShutdownChan() <-chan struct{} {
	return a.shutdownCh
}

// Stop implements app.App.
func (a *coordinatorApp) Stop() {
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			a.closers[i]()
		}
		a.closers = nil

		close(a.shutdownCh)
	})
}

var _ app.App = (*coordinatorApp)(nil)
