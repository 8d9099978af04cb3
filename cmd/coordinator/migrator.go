package main

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/code-payments/code-coordinator/pkg/cluster"
	"github.com/code-payments/code-coordinator/pkg/cluster/registry"
	"github.com/code-payments/code-coordinator/pkg/correlation"
	"github.com/code-payments/code-coordinator/pkg/correlation/logger"
)

// handoffMigrator hands a partition to its new owner once the owner reports
// itself healthy. Partitions carry no data of their own, so the readiness of
// the target is the whole migration.
type handoffMigrator struct {
	log      *logrus.Entry
	reader   registry.Reader
	hop      correlation.Hop
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func newHandoffMigrator(reader registry.Reader, hop correlation.Hop, dialOpts ...grpc.DialOption) *handoffMigrator {
	return &handoffMigrator{
		log:      logrus.StandardLogger().WithField("type", "coordinator/migrator"),
		reader:   reader,
		hop:      hop,
		dialOpts: append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, dialOpts...),
		conns:    make(map[string]*grpc.ClientConn),
	}
}

func (m *handoffMigrator) Migrate(ctx context.Context, p int, from, to cluster.NodeID) error {
	c := correlation.New().WithHop(m.hop.Component, m.hop.InstanceID)
	ctx = correlation.NewContext(ctx, c)

	log := logger.FromContext(ctx).WithFields(logrus.Fields{
		"type":      "coordinator/migrator",
		"partition": p,
		"from":      from,
		"to":        to,
	})

	desc, err := m.reader.GetNode(to)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve node %s", to)
	}

	conn, err := m.conn(desc.Address)
	if err != nil {
		return err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return errors.Wrapf(err, "health check of %s failed", desc.Address)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return errors.Errorf("node %s is %s", to, resp.Status)
	}

	log.Debug("Partition handed off")
	return nil
}

func (m *handoffMigrator) conn(addr string) (*grpc.ClientConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.conns[addr]; ok {
		return conn, nil
	}

	// Registry addresses are already host:port; resolution is left to the dialer.
	conn, err := grpc.NewClient("passthrough:///"+addr, m.dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", addr)
	}
	m.conns[addr] = conn
	return conn, nil
}

func (m *handoffMigrator) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, conn := range m.conns {
		if err := conn.Close(); err != nil {
			m.log.WithError(err).WithField("address", addr).Warn("Failed to close connection")
		}
	}
	m.conns = make(map[string]*grpc.ClientConn)
}
