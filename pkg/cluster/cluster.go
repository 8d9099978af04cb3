package cluster

import (
	"context"
)

// Member is a registered participant of a Cluster.
type Member struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

// Cluster is a shared membership set.
//
// Members are returned in join order: the member that registered first (and has
// stayed registered) is first. A member that deregisters and registers again is
// treated as a new join.
type Cluster interface {
	// CreateMembership creates an unregistered Membership for this process.
	CreateMembership() (Membership, error)

	// GetMembers returns the currently registered members, in join order.
	GetMembers(ctx context.Context) ([]Member, error)

	// WatchMembers returns a channel that emits the full member set whenever it
	// changes. The current set is emitted immediately.
	//
	// Slow consumers may miss intermediate states, but will always observe the
	// latest state once they catch up. The channel is closed when ctx is cancelled
	// or the Cluster is closed.
	WatchMembers(ctx context.Context) <-chan []Member

	// Close releases all resources held by the Cluster.
	Close()
}

// Membership is this process's entry in a Cluster.
type Membership interface {
	// ID returns the unique ID of the membership. It is stable for the
	// lifetime of the Membership.
	ID() string

	// Data returns the arbitrary data attached to the membership.
	Data() string

	// SetData updates the data attached to the membership. If the membership
	// is registered, the change is propagated to watchers.
	SetData(data string) error

	// Register makes the membership visible to other members.
	//
	// Register is idempotent.
	Register(ctx context.Context) error

	// Deregister removes the membership from the cluster.
	//
	// Deregister is idempotent.
	Deregister(ctx context.Context) error
}

// Publish replaces any snapshot still pending in ch with members, so a slow
// watcher always reads the latest member set. ch must have a buffer of one and
// Publish must not be called concurrently for the same ch.
func Publish(ch chan []Member, members []Member) {
	select {
	case ch <- members:
		return
	default:
	}

	select {
	case <-ch:
	default:
	}

	select {
	case ch <- members:
	default:
	}
}
