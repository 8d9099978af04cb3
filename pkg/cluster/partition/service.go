// Package partition maintains a partition ownership table over cluster members
// and migrates partitions when membership changes.
//
// Every process computes the same table from the same member set using a
// consistent hash ring, so no coordination is needed to agree on owners. When
// the owner of a partition changes, the Service invokes the Migrator and
// reports the outcome to registered MigrationListeners. The cluster is safe
// once no migrations are pending.
package partition

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"

	"github.com/code-payments/code-coordinator/pkg/cluster"
	"github.com/code-payments/code-coordinator/pkg/cluster/ring"
	"github.com/code-payments/code-coordinator/pkg/retry"
	"github.com/code-payments/code-coordinator/pkg/retry/backoff"
)

var (
	ErrServiceClosed    = errors.New("partition service closed")
	ErrListenerNotFound = errors.New("migration listener not found")
)

// Migrator moves the data of a partition between nodes.
type Migrator interface {
	Migrate(ctx context.Context, partition int, from, to cluster.NodeID) error
}

// MigratorFunc adapts a function into a Migrator.
type MigratorFunc func(ctx context.Context, partition int, from, to cluster.NodeID) error

func (f MigratorFunc) Migrate(ctx context.Context, partition int, from, to cluster.NodeID) error {
	return f(ctx, partition, from, to)
}

type conf struct {
	partitions  int
	claims      int
	maxAttempts uint
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func defaultConf() conf {
	return conf{
		partitions:  271,
		claims:      128,
		maxAttempts: 5,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    5 * time.Second,
	}
}

// Option configures a Service.
type Option func(*conf)

// WithPartitionCount sets the number of partitions.
func WithPartitionCount(n int) Option {
	return func(c *conf) { c.partitions = n }
}

// WithClaims sets the number of ring claims per member.
func WithClaims(n int) Option {
	return func(c *conf) { c.claims = n }
}

// WithMaxAttempts sets how many times a migration is attempted before a
// failure is reported.
func WithMaxAttempts(n uint) Option {
	return func(c *conf) { c.maxAttempts = n }
}

// WithBackoff sets the exponential backoff between migration attempts.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(c *conf) {
		c.baseDelay = base
		c.maxDelay = maxDelay
	}
}

type move struct {
	partition int
	from, to  cluster.NodeID
}

// Service tracks partition ownership for a cluster.
type Service struct {
	log      *logrus.Entry
	conf     conf
	cluster  cluster.Cluster
	migrator Migrator
	ring     *ring.Ring

	ctx    context.Context
	cancel func()
	doneCh chan struct{}

	mu          sync.Mutex
	closed      bool
	initialized bool
	owners      []cluster.NodeID
	pending     int
	listeners   map[string]MigrationListener
}

// NewService starts tracking partition ownership over the members of c.
func NewService(c cluster.Cluster, migrator Migrator, opts ...Option) (*Service, error) {
	conf := defaultConf()
	for _, o := range opts {
		o(&conf)
	}

	if conf.partitions <= 0 {
		return nil, fmt.Errorf("invalid partition count: %d", conf.partitions)
	}
	if conf.claims <= 0 {
		return nil, fmt.Errorf("invalid claim count: %d", conf.claims)
	}
	if conf.maxAttempts == 0 {
		return nil, errors.New("max attempts must be at least 1")
	}
	if migrator == nil {
		return nil, errors.New("migrator is nil")
	}

	s := &Service{
		log: logrus.StandardLogger().WithFields(logrus.Fields{
			"type":       "cluster/partition/Service",
			"partitions": conf.partitions,
		}),
		conf:      conf,
		cluster:   c,
		migrator:  migrator,
		ring:      ring.New(),
		owners:    make([]cluster.NodeID, conf.partitions),
		doneCh:    make(chan struct{}),
		listeners: make(map[string]MigrationListener),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	go s.run()

	return s, nil
}

// Close stops the Service and waits for any in-flight migration to return.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.doneCh
}

// PartitionCount returns the number of partitions.
func (s *Service) PartitionCount() int {
	return s.conf.partitions
}

// PartitionFor returns the partition that key belongs to.
func (s *Service) PartitionFor(key []byte) int {
	return int(murmur3.Sum32(key) % uint32(s.conf.partitions))
}

// Owner returns the current owner of partition p. The owner is empty until
// the first member set is observed.
func (s *Service) Owner(p int) (cluster.NodeID, error) {
	if p < 0 || p >= s.conf.partitions {
		return "", fmt.Errorf("partition out of range: %d", p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.owners[p], nil
}

// IsClusterSafe reports whether the ownership table has been initialized and
// no migrations are pending.
func (s *Service) IsClusterSafe(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrServiceClosed
	}

	return s.initialized && s.pending == 0, nil
}

// AddMigrationListener registers l for every migration that finishes after the
// call, and returns an ID for RemoveMigrationListener.
func (s *Service) AddMigrationListener(l MigrationListener) (string, error) {
	if l == nil {
		return "", errors.New("listener is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrServiceClosed
	}

	id := uuid.New().String()
	s.listeners[id] = l
	return id, nil
}

// RemoveMigrationListener unregisters the listener with the provided ID.
func (s *Service) RemoveMigrationListener(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listeners[id]; !ok {
		return ErrListenerNotFound
	}

	delete(s.listeners, id)
	return nil
}

func (s *Service) run() {
	defer close(s.doneCh)

	// Watch snapshots only signal a change. Slow consumers can miss
	// intermediate snapshots, so the latest member set is always re-read.
	for range s.cluster.WatchMembers(s.ctx) {
		members, err := s.cluster.GetMembers(s.ctx)
		if err != nil {
			s.log.WithError(err).Warn("Failed to get members")
			continue
		}

		s.rebalance(members)
	}
}

func (s *Service) rebalance(members []cluster.Member) {
	ids := make([]cluster.NodeID, len(members))
	for i, m := range members {
		ids[i] = cluster.NodeID(m.ID)
	}

	if err := s.ring.SetNodes(ids, s.conf.claims); err != nil {
		s.log.WithError(err).Warn("Failed to update ring")
		return
	}

	next := make([]cluster.NodeID, s.conf.partitions)
	for p := range next {
		next[p] = s.ring.PartitionOwner(p)
	}

	s.mu.Lock()
	var moves []move
	for p := range next {
		from, to := s.owners[p], next[p]
		switch {
		case from == to:
		case !s.initialized, from == "", to == "":
			// Assignments to or from nobody have no data to move.
			s.owners[p] = to
		default:
			moves = append(moves, move{partition: p, from: from, to: to})
		}
	}
	s.initialized = true
	s.pending = len(moves)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"members": len(members),
		"moves":   len(moves),
	}).Info("Rebalancing partitions")

	for i, m := range moves {
		if s.ctx.Err() != nil {
			return
		}

		event := s.migrate(m)

		s.mu.Lock()
		s.pending = len(moves) - i - 1
		if event.Success {
			s.owners[m.partition] = m.to
		}
		listeners := maps.Clone(s.listeners)
		s.mu.Unlock()

		s.publish(event, listeners)
	}
}

func (s *Service) migrate(m move) MigrationEvent {
	log := s.log.WithFields(logrus.Fields{
		"partition": m.partition,
		"from":      m.from,
		"to":        m.to,
	})

	start := time.Now()
	attempts, err := retry.Retry(
		func() error {
			return s.migrator.Migrate(s.ctx, m.partition, m.from, m.to)
		},
		retry.Limit(s.conf.maxAttempts),
		retry.UntilDone(s.ctx),
		func(attempts uint, err error) bool {
			log.WithError(err).WithField("attempts", attempts).Debug("Migration attempt failed")
			return true
		},
		retry.BackoffWithJitter(backoff.BinaryExponential(s.conf.baseDelay), s.conf.maxDelay, 0.1),
	)

	event := MigrationEvent{
		Success:   err == nil,
		Elapsed:   time.Since(start),
		Partition: m.partition,
		From:      m.from,
		To:        m.to,
	}
	if err != nil {
		event.Description = fmt.Sprintf("migration failed after %d attempts: %v", attempts, err)
		log.WithError(err).Warn("Partition migration failed")
	} else {
		event.Description = "migration completed"
		log.WithField("elapsed", event.Elapsed).Debug("Partition migrated")
	}

	return event
}

func (s *Service) publish(e MigrationEvent, listeners map[string]MigrationListener) {
	for id, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.WithField("listener", id).Errorf("Migration listener panicked: %v", r)
				}
			}()

			if e.Success {
				l.MigrationCompleted(e)
			} else {
				l.MigrationFailed(e)
			}
		}()
	}
}
