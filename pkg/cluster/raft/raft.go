// Package raft adapts a hashicorp/raft node into a coordinator-based cluster
// backend. The raft leader is the cluster coordinator.
package raft

import (
	"context"
	"errors"
	"fmt"

	hraft "github.com/hashicorp/raft"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/code-coordinator/pkg/cluster"
)

// Adapter is a cluster.CoordinatorAdapter over a running raft node.
type Adapter struct {
	cluster.CoordinatorBase

	log *logrus.Entry
	r   *hraft.Raft
	id  cluster.NodeID
}

// New returns an Adapter for r, whose local server ID is id.
func New(r *hraft.Raft, id cluster.NodeID) (*Adapter, error) {
	if r == nil {
		return nil, errors.New("raft: nil node")
	}
	if id == "" {
		return nil, errors.New("raft: empty node id")
	}

	return &Adapter{
		log: logrus.StandardLogger().WithFields(logrus.Fields{
			"type": "cluster/raft/Adapter",
			"node": id,
		}),
		r:  r,
		id: id,
	}, nil
}

// LocalID implements cluster.Adapter.
func (a *Adapter) LocalID() cluster.NodeID {
	return a.id
}

// IsCoordinator implements cluster.CoordinatorAdapter.
//
// A node that believes it is leader confirms it with a quorum round trip, so a
// deposed leader on the minority side of a partition answers false.
func (a *Adapter) IsCoordinator(ctx context.Context) (bool, error) {
	if a.r.State() != hraft.Leader {
		return false, nil
	}

	fut := a.r.VerifyLeader()

	done := make(chan struct{})
	var err error
	go func() {
		err = fut.Error()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-done:
	}

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, hraft.ErrNotLeader), errors.Is(err, hraft.ErrLeadershipLost):
		a.log.WithError(err).Debug("Leadership not confirmed")
		return false, nil
	default:
		return false, fmt.Errorf("failed to verify raft leadership: %w", err)
	}
}

// LeaderID returns the server ID of the current raft leader, if known.
func (a *Adapter) LeaderID() (cluster.NodeID, bool) {
	_, id := a.r.LeaderWithID()
	if id == "" {
		return "", false
	}
	return cluster.NodeID(id), true
}
