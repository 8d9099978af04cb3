// Package leader determines whether the local process is the cluster leader.
//
// Leadership is resolved from whatever the cluster backend exposes. Coordinator
// backends are asked directly. Membership-set backends elect the member that
// joined first. A process that is not clustered leads itself.
package leader

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/code-payments/code-coordinator/pkg/cluster"
	"github.com/code-payments/code-coordinator/pkg/future"
)

var (
	// ErrNoClusterContext is returned when a clustered fact is requested from
	// an unclustered process.
	ErrNoClusterContext = errors.New("no cluster context")

	// ErrLeaderUnresolvable is returned when the backend kind is not supported.
	ErrLeaderUnresolvable = errors.New("leader unresolvable")
)

// Resolver answers leadership queries. Results are never cached; every call
// queries the backend.
type Resolver struct {
	log  *logrus.Entry
	pool *semaphore.Weighted
}

// NewResolver returns a Resolver whose async queries run on at most
// concurrency goroutines. A non-positive concurrency uses GOMAXPROCS.
func NewResolver(concurrency int) *Resolver {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	return &Resolver{
		log:  logrus.StandardLogger().WithField("type", "leader/resolver"),
		pool: semaphore.NewWeighted(int64(concurrency)),
	}
}

// IsLeader returns whether the local process is the leader of the cluster
// described by h. It may block on backend I/O.
func (r *Resolver) IsLeader(ctx context.Context, h cluster.Handle) (bool, error) {
	if !h.IsClustered() {
		return true, nil
	}

	log := r.log.WithField("kind", h.BackendKind())

	switch h.BackendKind() {
	case cluster.KindCoordinator:
		adapter, ok := h.Adapter().(cluster.CoordinatorAdapter)
		if !ok {
			return false, fmt.Errorf("%w: adapter does not implement coordinator queries", ErrLeaderUnresolvable)
		}

		isCoordinator, err := adapter.IsCoordinator(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to query coordinator: %w", err)
		}

		log.WithField("leader", isCoordinator).Trace("Resolved coordinator leadership")
		return isCoordinator, nil

	case cluster.KindReplicatedMembershipSet:
		adapter, ok := h.Adapter().(cluster.MembershipSetAdapter)
		if !ok {
			return false, fmt.Errorf("%w: adapter does not implement membership queries", ErrLeaderUnresolvable)
		}

		members, err := adapter.Members(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to get members: %w", err)
		}
		if len(members) == 0 {
			log.Debug("Empty member set, not leader")
			return false, nil
		}

		isLeader := members[0] == adapter.LocalID()
		log.WithFields(logrus.Fields{
			"leader": isLeader,
			"oldest": members[0],
		}).Trace("Resolved membership leadership")
		return isLeader, nil

	default:
		return false, fmt.Errorf("%w: backend kind %s", ErrLeaderUnresolvable, h.BackendKind())
	}
}

// NodeID returns the local node's ID in the cluster described by h.
func (r *Resolver) NodeID(_ context.Context, h cluster.Handle) (cluster.NodeID, error) {
	if !h.IsClustered() {
		return "", ErrNoClusterContext
	}

	switch h.BackendKind() {
	case cluster.KindCoordinator, cluster.KindReplicatedMembershipSet:
		return h.Adapter().LocalID(), nil
	default:
		return "", fmt.Errorf("%w: backend kind %s", ErrLeaderUnresolvable, h.BackendKind())
	}
}

// IsLeaderAsync runs IsLeader on the Resolver's bounded pool. If ctx is done
// before a slot frees up, the future fails with ctx.Err().
func (r *Resolver) IsLeaderAsync(ctx context.Context, h cluster.Handle) *future.Future[bool] {
	f := future.New[bool]()

	go func() {
		if err := r.pool.Acquire(ctx, 1); err != nil {
			f.Fail(err)
			return
		}
		defer r.pool.Release(1)

		isLeader, err := r.IsLeader(ctx, h)
		if err != nil {
			f.Fail(err)
			return
		}
		f.Complete(isLeader)
	}()

	return f
}
