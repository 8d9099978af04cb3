package grpc

import (
	"math/rand"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"

	"github.com/code-payments/code-coordinator/pkg/cluster"
	"github.com/code-payments/code-coordinator/pkg/cluster/registry"
	"github.com/code-payments/code-coordinator/pkg/cluster/ring"
)

type picker struct {
	nodes     []registry.NodeDescriptor
	subConns  map[cluster.NodeID]balancer.SubConn
	tokenRing *ring.Ring
}

func newPicker(
	scNodes map[balancer.SubConn]registry.NodeDescriptor,
	scStates map[balancer.SubConn]balancer.SubConnState,
	tokenRing *ring.Ring,
) *picker {
	p := &picker{
		subConns:  make(map[cluster.NodeID]balancer.SubConn),
		tokenRing: tokenRing,
	}

	for sc, n := range scNodes {
		p.subConns[n.ID] = sc
		if scStates[sc].ConnectivityState == connectivity.Ready {
			p.nodes = append(p.nodes, n)
		}
	}

	return p
}

func (p *picker) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	var selected cluster.NodeID
	if routingKey, ok := RoutingKey(info.Ctx); ok && p.tokenRing != nil {
		selected = p.tokenRing.GetNode(routingKey)
	} else {
		selected = p.weightedNode()
	}

	if selected == "" {
		if len(p.subConns) > 0 {
			// Nodes exist but none is ready yet.
			return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
		}
		return balancer.PickResult{}, status.Error(codes.Unavailable, "no endpoint available")
	}

	sc, ok := p.subConns[selected]
	if !ok {
		return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
	}

	return balancer.PickResult{SubConn: sc}, nil
}

// weightedNode picks a ready node at random, proportionally to its weight.
func (p *picker) weightedNode() cluster.NodeID {
	totalWeight := uint32(0)
	for _, n := range p.nodes {
		totalWeight += n.Weight
	}
	if totalWeight == 0 {
		return ""
	}

	accumWeight := uint32(0)
	targetWeight := uint32(rand.Int63n(int64(totalWeight)))
	for _, n := range p.nodes {
		accumWeight += n.Weight
		if targetWeight < accumWeight {
			return n.ID
		}
	}

	return ""
}
