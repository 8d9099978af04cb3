// Package election provides a coordinator-based cluster backend on top of etcd
// elections. Every node campaigns on the same election prefix; etcd designates
// the node holding the oldest campaign key as the coordinator.
package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	v3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/code-payments/code-coordinator/pkg/cluster"
	"github.com/code-payments/code-coordinator/pkg/retry"
	"github.com/code-payments/code-coordinator/pkg/retry/backoff"
)

// Coordinator is a cluster.CoordinatorAdapter backed by an etcd election.
type Coordinator struct {
	cluster.CoordinatorBase

	log    *logrus.Entry
	client *v3.Client
	prefix string
	id     cluster.NodeID
	ttl    int

	ctx    context.Context
	cancel func()
	doneCh chan struct{}

	mu       sync.Mutex
	election *concurrency.Election
}

// New starts campaigning for the election at prefix as id. ttl bounds how long
// a crashed coordinator keeps the role, and must be within [1s, 60s].
func New(client *v3.Client, prefix string, id cluster.NodeID, ttl time.Duration) (*Coordinator, error) {
	if id == "" {
		return nil, errors.New("election: empty node id")
	}
	if ttl < time.Second || ttl > time.Minute {
		return nil, fmt.Errorf("invalid election ttl: %v (must be [1s, 60s])", ttl)
	}

	c := &Coordinator{
		log: logrus.StandardLogger().WithFields(logrus.Fields{
			"type":   "cluster/election/Coordinator",
			"prefix": prefix,
			"node":   id,
		}),
		client: client,
		prefix: prefix,
		id:     id,
		ttl:    int(ttl.Round(time.Second).Seconds()),
		doneCh: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.campaignLoop()

	return c, nil
}

// LocalID implements cluster.Adapter.
func (c *Coordinator) LocalID() cluster.NodeID {
	return c.id
}

// IsCoordinator implements cluster.CoordinatorAdapter. It reads the current
// election leader from etcd rather than relying on local campaign state.
func (c *Coordinator) IsCoordinator(ctx context.Context) (bool, error) {
	c.mu.Lock()
	election := c.election
	c.mu.Unlock()

	if election == nil {
		// No session yet; we cannot be the leader.
		return false, nil
	}

	resp, err := election.Leader(ctx)
	if errors.Is(err, concurrency.ErrElectionNoLeader) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to query election leader: %w", err)
	}

	return len(resp.Kvs) > 0 && string(resp.Kvs[0].Value) == string(c.id), nil
}

// Close resigns (if leading) and stops campaigning. It blocks until the
// campaign loop has exited.
func (c *Coordinator) Close() {
	c.cancel()
	<-c.doneCh
}

func (c *Coordinator) campaignLoop() {
	defer close(c.doneCh)

	_, err := retry.Retry(
		c.campaignOnce,
		retry.UntilDone(c.ctx),
		func(attempts uint, err error) bool {
			c.log.WithError(err).WithField("attempts", attempts).Warn("Campaign failed, retrying")
			return true
		},
		retry.BackoffWithJitter(backoff.BinaryExponential(250*time.Millisecond), 5*time.Second, 0.1),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.WithError(err).Warn("Campaign loop stopped")
	}
}

// campaignOnce campaigns under a fresh session and holds the role until the
// session ends. It only returns nil when the Coordinator is closed.
func (c *Coordinator) campaignOnce() error {
	session, err := concurrency.NewSession(
		c.client,
		concurrency.WithTTL(c.ttl),
		concurrency.WithContext(v3.WithRequireLeader(context.Background())),
	)
	if err != nil {
		return fmt.Errorf("failed to create etcd session: %w", err)
	}
	defer func() {
		c.mu.Lock()
		c.election = nil
		c.mu.Unlock()

		if err := session.Close(); err != nil {
			c.log.WithError(err).Debug("Failed to close election session")
		}
	}()

	election := concurrency.NewElection(session, c.prefix)

	c.mu.Lock()
	c.election = election
	c.mu.Unlock()

	if err := election.Campaign(c.ctx, string(c.id)); err != nil {
		return err
	}

	c.log.Info("Elected coordinator")

	select {
	case <-c.ctx.Done():
		resignCtx, cancel := context.WithTimeout(context.Background(), time.Duration(c.ttl)*time.Second)
		defer cancel()

		if err := election.Resign(resignCtx); err != nil {
			c.log.WithError(err).Warn("Failed to resign on close")
		}
		return nil
	case <-session.Done():
		c.log.Warn("Election session expired, campaigning again")
		return errors.New("election session expired")
	}
}
