// Package migration defers actions until partition migrations have settled.
//
// A Barrier completes immediately when the cluster is already safe. Otherwise
// it waits for the next migration outcome reported by the backend. If no
// migration ever happens after the barrier registers, the wait does not end on
// its own; callers bound it with a ctx deadline or WithTimeout.
package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/code-payments/code-coordinator/pkg/cluster/partition"
	"github.com/code-payments/code-coordinator/pkg/future"
)

// ErrBarrierTimeout is returned when a barrier's timeout elapses before any
// migration outcome is observed.
var ErrBarrierTimeout = errors.New("migration barrier timed out")

// MigrationFailure is returned when the migration a barrier waited on failed.
type MigrationFailure struct {
	Event partition.MigrationEvent
}

func (e *MigrationFailure) Error() string {
	return fmt.Sprintf("migration failed after %dms: %s", e.Event.ElapsedMillis(), e.Event.Description)
}

// Backend reports cluster safety and migration outcomes.
type Backend interface {
	IsClusterSafe(ctx context.Context) (bool, error)
	AddMigrationListener(l partition.MigrationListener) (string, error)
	RemoveMigrationListener(id string) error
}

type options struct {
	timeout time.Duration
}

// Option configures a single OnSafeToExecute call.
type Option func(*options)

// WithTimeout fails the barrier with ErrBarrierTimeout if no migration outcome
// is observed within d.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Barrier gates actions on migration safety.
type Barrier struct {
	log     *logrus.Entry
	backend Backend
}

func NewBarrier(backend Backend) *Barrier {
	return &Barrier{
		log:     logrus.StandardLogger().WithField("type", "migration/barrier"),
		backend: backend,
	}
}

// OnSafeToExecute returns a future that completes once it is safe to run the
// action named by description.
//
// The future fails with *MigrationFailure if the awaited migration fails, with
// ErrBarrierTimeout if a WithTimeout elapses first, or with ctx.Err() if ctx
// ends first. Any listener registered with the backend is removed exactly once
// after the future settles.
func (b *Barrier) OnSafeToExecute(ctx context.Context, description string, opts ...Option) *future.Future[struct{}] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := b.log.WithField("description", description)

	safe, err := b.backend.IsClusterSafe(ctx)
	if err != nil {
		return future.Failed[struct{}](fmt.Errorf("failed to check cluster safety: %w", err))
	}
	if safe {
		log.Debug("Cluster safe, executing immediately")
		return future.Completed(struct{}{})
	}

	f := future.New[struct{}]()

	id, err := b.backend.AddMigrationListener(&listener{f: f})
	if err != nil {
		return future.Failed[struct{}](fmt.Errorf("failed to add migration listener: %w", err))
	}

	log = log.WithField("listener", id)
	log.Debug("Cluster not safe, waiting for migration")

	f.OnSettled(func(_ struct{}, settleErr error) {
		if err := b.backend.RemoveMigrationListener(id); err != nil {
			log.WithError(err).Error("Failed to remove migration listener")
		}
		if settleErr != nil {
			log.WithError(settleErr).Debug("Barrier failed")
		}
	})

	if o.timeout > 0 {
		timer := time.AfterFunc(o.timeout, func() {
			f.Fail(ErrBarrierTimeout)
		})
		f.OnSettled(func(struct{}, error) { timer.Stop() })
	}

	stop := context.AfterFunc(ctx, func() {
		f.Fail(ctx.Err())
	})
	f.OnSettled(func(struct{}, error) { stop() })

	// The last migration may have finished between the safety check and the
	// registration, in which case no event will follow.
	if safe, err := b.backend.IsClusterSafe(ctx); err == nil && safe {
		f.Complete(struct{}{})
	}

	return f
}

type listener struct {
	f *future.Future[struct{}]
}

func (l *listener) MigrationCompleted(partition.MigrationEvent) {
	l.f.Complete(struct{}{})
}

func (l *listener) MigrationFailed(e partition.MigrationEvent) {
	l.f.Fail(&MigrationFailure{Event: e})
}
