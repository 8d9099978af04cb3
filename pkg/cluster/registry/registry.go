// Package registry publishes the network address of each cluster member and
// maps routing keys onto members.
//
// A member's descriptor is stored as JSON in its cluster.Member data, so any
// cluster.Cluster backend can serve as a registry.
package registry

import (
	"context"
	"errors"

	"github.com/code-payments/code-coordinator/pkg/cluster"
)

var (
	ErrNodeNotFound = errors.New("node not found")
)

// NodeDescriptor describes a routable cluster member.
type NodeDescriptor struct {
	ID      cluster.NodeID `json:"-"`
	Address string         `json:"address"`
	Weight  uint32         `json:"weight,omitempty"`
}

type Node interface {
	// ID returns the Nodes ID.
	ID() cluster.NodeID

	// Register makes the node visible to other processes.
	Register(ctx context.Context) error

	// Deregister removes the node from the registry.
	Deregister(ctx context.Context) error

	// SetWeight sets the weight (without delay) of the node. A node with zero
	// weight is registered but owns no routing keys.
	SetWeight(weight uint32) error

	// GetWeight returns the current weight of the node.
	GetWeight() uint32

	// Membership returns the cluster membership backing the node.
	Membership() cluster.Membership
}

type Observer interface {
	Reader
	Watcher
}

type Reader interface {
	// GetNode returns the descriptor of the node with the provided id, or
	// ErrNodeNotFound.
	GetNode(id cluster.NodeID) (*NodeDescriptor, error)

	// GetNodes returns the currently registered nodes, oldest join first.
	GetNodes() ([]*NodeDescriptor, error)

	// Owner returns the ID of the node that owns the specified key, or an
	// empty ID if there is no owner.
	Owner(key []byte) cluster.NodeID
}

type Watcher interface {
	// WatchNodes returns a channel that emits the entire set of nodes when
	// a change occurs. The channel is closed when the registry is closed,
	// or when the provided context is cancelled.
	WatchNodes(ctx context.Context) <-chan []*NodeDescriptor
}
