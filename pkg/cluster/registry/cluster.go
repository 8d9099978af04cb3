package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/code-payments/code-coordinator/pkg/cluster"
	"github.com/code-payments/code-coordinator/pkg/cluster/ring"
)

type clusterNode struct {
	m cluster.Membership

	mu   sync.Mutex
	desc NodeDescriptor
}

func (n *clusterNode) ID() cluster.NodeID {
	return cluster.NodeID(n.m.ID())
}

func (n *clusterNode) Register(ctx context.Context) error {
	return n.m.Register(ctx)
}

func (n *clusterNode) Deregister(ctx context.Context) error {
	return n.m.Deregister(ctx)
}

func (n *clusterNode) SetWeight(weight uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	desc := n.desc
	desc.Weight = weight
	if err := publish(n.m, desc); err != nil {
		return err
	}

	n.desc = desc
	return nil
}

func (n *clusterNode) GetWeight() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.desc.Weight
}

func (n *clusterNode) Membership() cluster.Membership {
	return n.m
}

func publish(m cluster.Membership, desc NodeDescriptor) error {
	b, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return m.SetData(string(b))
}

// ClusteredRegistry is an Observer over the members of a cluster.Cluster.
type ClusteredRegistry struct {
	log     *logrus.Entry
	cluster cluster.Cluster

	ctx    context.Context
	cancel func()

	mu        sync.RWMutex
	nodes     []*NodeDescriptor
	tokenRing *ring.Ring
}

func NewClusteredRegistry(c cluster.Cluster) *ClusteredRegistry {
	r := &ClusteredRegistry{
		log:       logrus.StandardLogger().WithField("type", "cluster/registry/ClusteredRegistry"),
		cluster:   c,
		tokenRing: ring.New(),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	go r.watch()

	return r
}

func (r *ClusteredRegistry) Close() {
	r.cancel()
}

// NewNode creates an unregistered node reachable at addr ("host:port").
func (r *ClusteredRegistry) NewNode(addr string, weight uint32) (Node, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("invalid addr %q: %w", addr, err)
	}

	m, err := r.cluster.CreateMembership()
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster member: %w", err)
	}

	n := &clusterNode{
		m: m,
		desc: NodeDescriptor{
			ID:      cluster.NodeID(m.ID()),
			Address: addr,
			Weight:  weight,
		},
	}
	if err := publish(m, n.desc); err != nil {
		return nil, err
	}

	return n, nil
}

func (r *ClusteredRegistry) GetNode(id cluster.NodeID) (*NodeDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, n := range r.nodes {
		if n.ID == id {
			return n, nil
		}
	}

	return nil, ErrNodeNotFound
}

func (r *ClusteredRegistry) GetNodes() ([]*NodeDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.nodes, nil
}

func (r *ClusteredRegistry) Owner(key []byte) cluster.NodeID {
	r.mu.RLock()
	tokenRing := r.tokenRing
	r.mu.RUnlock()

	return tokenRing.GetNode(key)
}

func (r *ClusteredRegistry) WatchNodes(ctx context.Context) <-chan []*NodeDescriptor {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-r.ctx.Done():
		case <-ctx.Done():
		}
		cancel()
	}()

	members := r.cluster.WatchMembers(ctx)
	ch := make(chan []*NodeDescriptor, 1)

	go func() {
		defer close(ch)

		for m := range members {
			select {
			case ch <- r.toNodes(m):
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (r *ClusteredRegistry) toNodes(members []cluster.Member) []*NodeDescriptor {
	nodes := make([]*NodeDescriptor, 0, len(members))
	for _, m := range members {
		nd := &NodeDescriptor{}
		if err := json.Unmarshal([]byte(m.Data), nd); err != nil {
			r.log.
				WithError(err).
				WithField("id", m.ID).
				Warn("Failed to unmarshal node; dropping")

			continue
		}

		nd.ID = cluster.NodeID(m.ID)
		nodes = append(nodes, nd)
	}
	return nodes
}

func (r *ClusteredRegistry) watch() {
	for nodes := range r.WatchNodes(r.ctx) {
		claims := make(map[cluster.NodeID]int, len(nodes))
		for _, n := range nodes {
			claims[n.ID] = int(n.Weight)
		}

		tokenRing, err := ring.NewFromMap(claims)
		if err != nil {
			r.log.WithError(err).Warn("Failed to build ring")
			continue
		}

		r.mu.Lock()
		r.nodes = nodes
		r.tokenRing = tokenRing
		r.mu.Unlock()
	}
}
