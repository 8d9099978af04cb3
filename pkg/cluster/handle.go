package cluster

import (
	"context"
	"errors"
)

// NodeID identifies a cluster member. It is stable for the lifetime of the process.
type NodeID string

// BackendKind enumerates the clustering technologies an Adapter can represent.
type BackendKind int

const (
	KindUnknown BackendKind = iota

	// KindReplicatedMembershipSet backends expose an ordered member set, from which
	// leadership is inferred by join order.
	KindReplicatedMembershipSet

	// KindCoordinator backends explicitly flag one member as the coordinator.
	KindCoordinator
)

func (k BackendKind) String() string {
	switch k {
	case KindReplicatedMembershipSet:
		return "replicated-membership-set"
	case KindCoordinator:
		return "coordinator"
	default:
		return "unknown"
	}
}

// Adapter exposes raw cluster facts for one backend kind.
//
// The set of adapters is closed: every Adapter is either a MembershipSetAdapter or
// a CoordinatorAdapter, as reported by Kind(). New backend kinds are added by
// extending BackendKind and every switch over it.
type Adapter interface {
	// Kind returns the backend kind of the adapter.
	Kind() BackendKind

	// LocalID returns the ID of this process in the cluster.
	LocalID() NodeID

	sealed()
}

// MembershipSetAdapter is implemented by KindReplicatedMembershipSet backends.
type MembershipSetAdapter interface {
	Adapter

	// Members returns the registered members, oldest join first.
	Members(ctx context.Context) ([]NodeID, error)
}

// CoordinatorAdapter is implemented by KindCoordinator backends.
type CoordinatorAdapter interface {
	Adapter

	// IsCoordinator asks the backend whether the local node is the designated
	// coordinator. It may perform blocking I/O.
	IsCoordinator(ctx context.Context) (bool, error)
}

// MembershipSetBase is embedded by membership-set adapters to join the closed
// Adapter set.
type MembershipSetBase struct{}

func (MembershipSetBase) Kind() BackendKind { return KindReplicatedMembershipSet }
func (MembershipSetBase) sealed()           {}

// CoordinatorBase is embedded by coordinator adapters to join the closed
// Adapter set.
type CoordinatorBase struct{}

func (CoordinatorBase) Kind() BackendKind { return KindCoordinator }
func (CoordinatorBase) sealed()           {}

// Handle is this process's view of the cluster.
type Handle interface {
	// IsClustered returns whether the process is part of a cluster.
	IsClustered() bool

	// BackendKind returns the kind of backend serving cluster queries, or
	// KindUnknown if the process is not clustered.
	BackendKind() BackendKind

	// Adapter returns the backend adapter, or nil if the process is not clustered.
	Adapter() Adapter
}

var errNilAdapter = errors.New("cluster: nil adapter")

type handle struct {
	adapter Adapter
}

// NewHandle returns a clustered Handle served by the provided adapter.
func NewHandle(adapter Adapter) (Handle, error) {
	if adapter == nil {
		return nil, errNilAdapter
	}
	return &handle{adapter: adapter}, nil
}

// Unclustered returns a Handle for a process running on its own.
func Unclustered() Handle {
	return &handle{}
}

func (h *handle) IsClustered() bool {
	return h.adapter != nil
}

func (h *handle) BackendKind() BackendKind {
	if h.adapter == nil {
		return KindUnknown
	}
	return h.adapter.Kind()
}

func (h *handle) Adapter() Adapter {
	return h.adapter
}

// membershipAdapter adapts a Cluster and the local Membership into a
// MembershipSetAdapter.
type membershipAdapter struct {
	MembershipSetBase

	cluster Cluster
	local   Membership
}

// NewMembershipSetAdapter returns a MembershipSetAdapter backed by c, where local
// is the membership of this process.
func NewMembershipSetAdapter(c Cluster, local Membership) MembershipSetAdapter {
	return &membershipAdapter{
		cluster: c,
		local:   local,
	}
}

func (a *membershipAdapter) LocalID() NodeID {
	return NodeID(a.local.ID())
}

func (a *membershipAdapter) Members(ctx context.Context) ([]NodeID, error) {
	members, err := a.cluster.GetMembers(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]NodeID, len(members))
	for i, m := range members {
		ids[i] = NodeID(m.ID)
	}
	return ids, nil
}
