package grpc

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/resolver"

	"github.com/code-payments/code-coordinator/pkg/cluster/registry"
	"github.com/code-payments/code-coordinator/pkg/cluster/ring"
)

const (
	BalancerName   = "cluster"
	BalancerConfig = `{"loadBalancingConfig": [{"cluster": {}}]}`
)

var errMissingRing = errors.New("missing ring: balancer must be used with the cluster resolver")

func init() {
	balancer.Register(&balancerBuilder{})
}

type balancerBuilder struct{}

func (b *balancerBuilder) Name() string {
	return BalancerName
}

func (b *balancerBuilder) Build(cc balancer.ClientConn, _ balancer.BuildOptions) balancer.Balancer {
	return &ringBalancer{
		log: logrus.StandardLogger().WithField("type", "cluster/grpc/balancer"),
		cc:  cc,

		subConns: make(map[string]balancer.SubConn),
		scStates: make(map[balancer.SubConn]balancer.SubConnState),
		scNodes:  make(map[balancer.SubConn]registry.NodeDescriptor),
	}
}

type ringBalancer struct {
	log *logrus.Entry
	cc  balancer.ClientConn

	mu        sync.Mutex
	picker    balancer.Picker
	tokenRing *ring.Ring
	subConns  map[string]balancer.SubConn
	scStates  map[balancer.SubConn]balancer.SubConnState
	scNodes   map[balancer.SubConn]registry.NodeDescriptor
}

func (b *ringBalancer) UpdateClientConnState(state balancer.ClientConnState) error {
	if state.ResolverState.Attributes == nil {
		return errMissingRing
	}
	tokenRing, ok := state.ResolverState.Attributes.Value(ringAttributeKey).(*ring.Ring)
	if !ok || tokenRing == nil {
		return errMissingRing
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	addressSet := make(map[string]struct{})

	for _, addr := range state.ResolverState.Addresses {
		node, ok := addr.BalancerAttributes.Value(nodeAttributeKey{}).(registry.NodeDescriptor)
		if !ok {
			b.log.WithField("address", addr.Addr).Warn("NodeDescriptor not present in attributes, ignoring")
			continue
		}

		addressSet[addr.Addr] = struct{}{}

		// Known address; only the descriptor (e.g. weight) may have changed.
		if sc, ok := b.subConns[addr.Addr]; ok {
			b.scNodes[sc] = node
			continue
		}

		sc, err := b.cc.NewSubConn([]resolver.Address{addr}, balancer.NewSubConnOptions{})
		if err != nil {
			b.log.WithError(err).WithField("address", addr.Addr).Warn("Failed to create new SubConn")
			continue
		}

		b.log.WithField("address", addr.Addr).Debug("Created new SubConn")

		b.subConns[addr.Addr] = sc
		b.scStates[sc] = balancer.SubConnState{ConnectivityState: connectivity.Idle}
		b.scNodes[sc] = node

		// Connect eagerly to avoid cold starts on the first routed call.
		sc.Connect()
	}

	// Prune SubConns of nodes that are no longer resolved. scStates and
	// scNodes are cleaned up once the SubConn reports Shutdown.
	for addr, sc := range b.subConns {
		if _, ok := addressSet[addr]; !ok {
			delete(b.subConns, addr)
			sc.Shutdown()
		}
	}

	b.tokenRing = tokenRing
	b.regeneratePicker()

	b.cc.UpdateState(balancer.State{Picker: b.picker, ConnectivityState: connectivity.Ready})
	return nil
}

func (b *ringBalancer) UpdateSubConnState(sc balancer.SubConn, newState balancer.SubConnState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState, ok := b.scStates[sc]
	if !ok {
		b.log.
			WithField("new_state", newState.ConnectivityState.String()).
			Warn("State change for unknown SubConn")

		return
	}
	b.scStates[sc] = newState

	node, ok := b.scNodes[sc]
	if !ok {
		b.log.Warn("NodeDescriptor doesn't exist for SubConn")
		return
	}

	log := b.log.WithFields(logrus.Fields{
		"node":    node.ID,
		"address": node.Address,
	})

	switch newState.ConnectivityState {
	case connectivity.Idle:
		log.Debug("SubConn changed to idle; reconnecting")
		sc.Connect()
	case connectivity.Shutdown:
		log.WithError(newState.ConnectionError).Debug("SubConn shutting down")

		delete(b.scStates, sc)
		delete(b.scNodes, sc)
	}

	// A pick on a non-ready SubConn blocks until the next UpdateState, so
	// every transition in or out of Ready republishes the picker.
	if (oldState.ConnectivityState == connectivity.Ready) != (newState.ConnectivityState == connectivity.Ready) {
		b.regeneratePicker()
		b.cc.UpdateState(balancer.State{Picker: b.picker, ConnectivityState: connectivity.Ready})
	}
}

func (b *ringBalancer) ResolverError(err error) {
	b.log.WithError(err).Error("Unexpected resolver error")
}

func (b *ringBalancer) Close() {
}

func (b *ringBalancer) ExitIdle() {
}

// regeneratePicker must be called with b.mu held.
func (b *ringBalancer) regeneratePicker() {
	b.log.WithField("nodes", len(b.scNodes)).Debug("Regenerating picker")
	b.picker = newPicker(b.scNodes, b.scStates, b.tokenRing)
}
