package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/code-payments/code-coordinator/pkg/cluster"
)

// Cluster is an in-process cluster.Cluster. All memberships created from the
// same Cluster see each other, which makes it suitable for tests and for
// single-process deployments that still want clustered code paths.
type Cluster struct {
	ctx    context.Context
	cancel func()

	changeCh chan struct{}

	mu          sync.Mutex
	joinSeq     uint64
	memberships []*Membership
	watchers    []chan []cluster.Member
}

func NewCluster() *Cluster {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		ctx:      ctx,
		cancel:   cancel,
		changeCh: make(chan struct{}, 1),
	}

	go c.watchChanges()

	return c
}

func (c *Cluster) CreateMembership() (cluster.Membership, error) {
	m := &Membership{
		c:  c,
		id: uuid.New().String(),
	}

	c.mu.Lock()
	c.memberships = append(c.memberships, m)
	c.mu.Unlock()

	return m, nil
}

func (c *Cluster) Close() {
	c.cancel()
}

func (c *Cluster) GetMembers(_ context.Context) ([]cluster.Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.getMembers(), nil
}

func (c *Cluster) WatchMembers(ctx context.Context) <-chan []cluster.Member {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-c.ctx.Done():
			cancel(c.ctx.Err())
		case <-ctx.Done():
			cancel(ctx.Err())
		}
	}()

	ch := make(chan []cluster.Member, 1)
	ch <- c.getMembers()
	c.watchers = append(c.watchers, ch)

	go func() {
		<-ctx.Done()

		c.mu.Lock()
		defer c.mu.Unlock()

		if i := slices.Index(c.watchers, ch); i >= 0 {
			c.watchers = slices.Delete(c.watchers, i, i+1)
		}

		close(ch)
	}()

	return ch
}

// getMembers must be called with c.mu held.
func (c *Cluster) getMembers() []cluster.Member {
	registered := make([]*Membership, 0, len(c.memberships))
	for _, m := range c.memberships {
		if m.registered {
			registered = append(registered, m)
		}
	}
	slices.SortFunc(registered, func(a, b *Membership) int {
		return cmp.Compare(a.joined, b.joined)
	})

	members := make([]cluster.Member, len(registered))
	for i, m := range registered {
		members[i] = cluster.Member{ID: m.id, Data: m.data}
	}
	return members
}

// notify must be called with c.mu held. Notifications are coalesced; the
// watcher loop always publishes the latest state.
func (c *Cluster) notify() {
	select {
	case c.changeCh <- struct{}{}:
	default:
	}
}

func (c *Cluster) watchChanges() {
	for {
		select {
		case <-c.changeCh:
		case <-c.ctx.Done():
			return
		}

		c.mu.Lock()
		members := c.getMembers()
		for _, w := range c.watchers {
			cluster.Publish(w, slices.Clone(members))
		}
		c.mu.Unlock()
	}
}

// Membership is a cluster.Membership of an in-memory Cluster. Its state is
// guarded by the owning Cluster's mutex.
type Membership struct {
	c *Cluster

	id         string
	data       string
	registered bool
	joined     uint64
}

func (m *Membership) ID() string {
	return m.id
}

func (m *Membership) Data() string {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()

	return m.data
}

func (m *Membership) SetData(data string) error {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()

	m.data = data
	if m.registered {
		m.c.notify()
	}

	return nil
}

func (m *Membership) Register(_ context.Context) error {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()

	if !m.registered {
		m.c.joinSeq++
		m.joined = m.c.joinSeq
		m.registered = true
		m.c.notify()
	}

	return nil
}

func (m *Membership) Deregister(_ context.Context) error {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()

	if m.registered {
		m.registered = false
		m.c.notify()
	}

	return nil
}
