package etcd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	v3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/code-payments/code-coordinator/pkg/retry"
	"github.com/code-payments/code-coordinator/pkg/retry/backoff"
)

// PersistentLease keeps a <key, value> pair present in etcd, attached to a lease,
// until Close is called.
//
// If the process dies or is partitioned from etcd, the lease expires and the key
// disappears. Once connectivity is restored the key is written again under a new
// lease, which is exactly the lifecycle a cluster membership needs. Note that a
// rewritten key has a new create revision, so it counts as a fresh join.
type PersistentLease struct {
	log    *logrus.Entry
	client *v3.Client
	ttl    int

	key        string
	val        string
	valCh      chan string
	recreateCh chan struct{}

	closeFn sync.Once
	closeCh chan struct{}
	doneCh  chan struct{}
}

// NewPersistentLease starts a PersistentLease in the background.
//
// ttl must be within [1s, 60s].
func NewPersistentLease(client *v3.Client, key, val string, ttl time.Duration) (*PersistentLease, error) {
	ttlSeconds := int(ttl.Truncate(time.Second).Seconds())
	if ttlSeconds < 1 || ttlSeconds > 60 {
		return nil, fmt.Errorf("invalid ttl %v: must be [1s, 60s]", ttl)
	}

	pl := &PersistentLease{
		log: logrus.StandardLogger().WithFields(logrus.Fields{
			"type": "etcd/PersistentLease",
			"key":  key,
		}),
		client: client,
		ttl:    ttlSeconds,

		key:        key,
		val:        val,
		valCh:      make(chan string),
		recreateCh: make(chan struct{}, 1),

		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go pl.syncLoop()
	go pl.watchExistence()

	return pl, nil
}

// SetValue replaces the value held under the lease. The write happens
// asynchronously; use a Get or Watch to observe it.
func (pl *PersistentLease) SetValue(val string) {
	select {
	case pl.valCh <- val:
	case <-pl.closeCh:
	}
}

// Close stops the lease and blocks until the lease has been revoked (removing
// the key) or the sync loop has given up. It is idempotent; a closed
// PersistentLease cannot be restarted.
func (pl *PersistentLease) Close() {
	pl.closeFn.Do(func() {
		close(pl.closeCh)
	})
	<-pl.doneCh
}

func (pl *PersistentLease) untilClosed(_ uint, _ error) bool {
	select {
	case <-pl.closeCh:
		return false
	default:
		return true
	}
}

var errSessionClosed = errors.New("session closed")

func (pl *PersistentLease) syncLoop() {
	defer close(pl.doneCh)

	_, _ = retry.Retry(
		func() error {
			session, err := concurrency.NewSession(pl.client, concurrency.WithTTL(pl.ttl))
			if err != nil {
				return err
			}
			defer func() {
				if err := session.Close(); err != nil {
					pl.log.WithError(err).Warn("Failed to close session")
				}
			}()

			for {
				ctx, cancel := context.WithTimeout(context.Background(), time.Duration(pl.ttl)*time.Second)
				_, err := pl.client.Put(ctx, pl.key, pl.val, v3.WithLease(session.Lease()))
				cancel()
				if err != nil {
					return fmt.Errorf("failed to write key %q: %w", pl.key, err)
				}

				select {
				case <-pl.closeCh:
					return nil
				case <-session.Done():
					return errSessionClosed
				case <-pl.recreateCh:
				case pl.val = <-pl.valCh:
				}
			}
		},
		func(attempts uint, err error) bool {
			pl.log.WithError(err).Warn("Failure in lease loop")
			return true
		},
		pl.untilClosed,
		retry.BackoffWithJitter(backoff.Constant(time.Second), time.Second, 0.1),
	)
}

// watchExistence recreates the key if something other than lease expiry
// removes it.
func (pl *PersistentLease) watchExistence() {
	_, _ = retry.Retry(
		func() error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go func() {
				select {
				case <-pl.closeCh:
					cancel()
				case <-ctx.Done():
				}
			}()

			for w := range pl.client.Watch(ctx, pl.key) {
				if err := w.Err(); err != nil {
					return err
				}

				for _, e := range w.Events {
					if e.Type != v3.EventTypeDelete {
						continue
					}

					select {
					case pl.recreateCh <- struct{}{}:
					default:
					}
				}
			}

			return nil
		},
		func(attempts uint, err error) bool {
			pl.log.WithError(err).Warn("Failure in existence watch")
			return true
		},
		pl.untilClosed,
		retry.BackoffWithJitter(backoff.Constant(time.Second), time.Second, 0.1),
	)
}
