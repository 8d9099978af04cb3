// Package grpc routes gRPC calls across cluster members.
//
// The "cluster" resolver scheme resolves to the addresses published in a
// registry, and the "cluster" balancer sends calls carrying a routing key to
// the node that owns the key. Calls without a key are spread across nodes by
// weight.
package grpc

import (
	"context"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/attributes"
	"google.golang.org/grpc/resolver"

	"github.com/code-payments/code-coordinator/pkg/cluster"
	"github.com/code-payments/code-coordinator/pkg/cluster/registry"
	"github.com/code-payments/code-coordinator/pkg/cluster/ring"
)

const (
	Scheme = "cluster"

	ringAttributeKey = "cluster-ring"
)

// RegisterResolver registers the cluster resolver scheme backed by obs.
// Targets look like "cluster:///<anything>".
func RegisterResolver(obs registry.Observer) {
	resolver.Register(NewResolverBuilder(obs))
}

// NewResolverBuilder returns the resolver builder without registering it
// globally, for use with grpc.WithResolvers.
func NewResolverBuilder(obs registry.Observer) resolver.Builder {
	return &resolverBuilder{
		obs: obs,
	}
}

type resolverBuilder struct {
	obs registry.Observer
}

func (rb *resolverBuilder) Scheme() string {
	return Scheme
}

func (rb *resolverBuilder) Build(_ resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	r := &registryResolver{
		log: logrus.StandardLogger().WithField("type", "cluster/grpc/resolver"),
		obs: rb.obs,
		cc:  cc,
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	go r.watchNodes()

	return r, nil
}

type registryResolver struct {
	log *logrus.Entry
	obs registry.Observer
	cc  resolver.ClientConn

	ctx    context.Context
	cancel func()
}

func (r *registryResolver) ResolveNow(_ resolver.ResolveNowOptions) {
	nodes, err := r.obs.GetNodes()
	if err != nil {
		r.log.WithError(err).Error("Failed to retrieve nodes")
		r.cc.ReportError(err)
		return
	}

	r.resolveNodes(nodes)
}

func (r *registryResolver) Close() {
	r.cancel()
}

func (r *registryResolver) watchNodes() {
	for nodes := range r.obs.WatchNodes(r.ctx) {
		r.resolveNodes(nodes)
	}
}

func (r *registryResolver) resolveNodes(nodes []*registry.NodeDescriptor) {
	claims := make(map[cluster.NodeID]int, len(nodes))
	addresses := make([]resolver.Address, 0, len(nodes))
	for _, n := range nodes {
		if n.Address == "" {
			r.log.WithField("id", n.ID).Warn("Dropping node with missing address")
			continue
		}

		claims[n.ID] = int(n.Weight)
		addresses = append(addresses, resolver.Address{
			Addr:               n.Address,
			BalancerAttributes: attributes.New(nodeAttributeKey{}, *n),
		})
	}

	tokenRing, err := ring.NewFromMap(claims)
	if err != nil {
		r.log.WithError(err).Error("Failed to build ring")
		r.cc.ReportError(err)
		return
	}

	r.log.WithField("addresses", len(addresses)).Debug("Emitting addresses")
	err = r.cc.UpdateState(resolver.State{
		Addresses:  addresses,
		Attributes: attributes.New(ringAttributeKey, tokenRing),
	})
	if err != nil {
		r.log.WithError(err).Warn("Failed to update resolver state")
	}
}
