package etcd

import (
	"cmp"
	"context"
	"encoding/json"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	v3 "go.etcd.io/etcd/client/v3"

	"github.com/code-payments/code-coordinator/pkg/cluster"
	"github.com/code-payments/code-coordinator/pkg/etcd"
)

// Cluster is a cluster.Cluster whose members are leased keys under a root
// prefix in etcd. Join order is the create revision of each member's key.
type Cluster struct {
	log    *logrus.Entry
	root   string
	client *v3.Client
	ttl    time.Duration

	ctx           context.Context
	cancel        func()
	initializedCh chan struct{}

	mu       sync.Mutex
	members  []cluster.Member
	watchers []chan []cluster.Member
}

// NewCluster creates a Cluster rooted at root. It blocks until the initial
// member set has been read.
func NewCluster(client *v3.Client, root string, ttl time.Duration) *Cluster {
	c := &Cluster{
		log: logrus.StandardLogger().WithFields(logrus.Fields{
			"type": "cluster/etcd/Cluster",
			"root": root,
		}),
		root:   root,
		client: client,
		ttl:    ttl,

		initializedCh: make(chan struct{}),
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.watchMembers()

	<-c.initializedCh

	return c
}

func (c *Cluster) CreateMembership() (cluster.Membership, error) {
	id := uuid.New().String()

	return newMembership(
		c.client,
		c.ttl,
		path.Join(c.root, id),
		id,
		"",
	), nil
}

func (c *Cluster) Close() {
	c.cancel()
}

func (c *Cluster) GetMembers(_ context.Context) ([]cluster.Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.members), nil
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
	ch <- slices.Clone(c.members)
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

type joinedMember struct {
	member   cluster.Member
	revision int64
}

func (c *Cluster) watchMembers() {
	watch := etcd.WatchPrefix(
		c.ctx,
		c.client,
		c.root,
		func(kv *mvccpb.KeyValue) (id string, jm joinedMember, err error) {
			if err = json.Unmarshal(kv.Value, &jm.member); err != nil {
				return "", joinedMember{}, err
			}
			jm.revision = kv.CreateRevision
			return jm.member.ID, jm, nil
		},
	)

	first := true
	for ss := range watch {
		joined := make([]joinedMember, 0, len(ss.Tree))
		for _, jm := range ss.Tree {
			joined = append(joined, jm)
		}

		slices.SortFunc(joined, func(a, b joinedMember) int {
			if c := cmp.Compare(a.revision, b.revision); c != 0 {
				return c
			}
			return cmp.Compare(a.member.ID, b.member.ID)
		})

		members := make([]cluster.Member, len(joined))
		for i, jm := range joined {
			members[i] = jm.member
		}

		c.mu.Lock()
		c.members = members
		for _, ch := range c.watchers {
			cluster.Publish(ch, slices.Clone(members))
		}
		c.mu.Unlock()

		if first {
			close(c.initializedCh)
			first = false
		}
	}

	if first {
		c.log.Warn("Watch closed before the initial member set was read")
		close(c.initializedCh)
	}
}

// Membership is a cluster.Membership held by an etcd.PersistentLease while
// registered.
type Membership struct {
	client *v3.Client
	ttl    time.Duration

	key string

	mu     sync.Mutex
	member cluster.Member
	pl     *etcd.PersistentLease
}

func newMembership(
	client *v3.Client,
	ttl time.Duration,
	key, id, data string,
) *Membership {
	return &Membership{
		client: client,
		ttl:    ttl,
		key:    key,
		member: cluster.Member{
			ID:   id,
			Data: data,
		},
	}
}

func (m *Membership) ID() string {
	return m.member.ID
}

func (m *Membership) Data() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.member.Data
}

func (m *Membership) SetData(data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.member.Data = data
	b, err := json.Marshal(m.member)
	if err != nil {
		return err
	}

	if m.pl != nil {
		m.pl.SetValue(string(b))
	}

	return nil
}

func (m *Membership) Register(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pl != nil {
		return nil
	}

	b, err := json.Marshal(m.member)
	if err != nil {
		return err
	}

	m.pl, err = etcd.NewPersistentLease(m.client, m.key, string(b), m.ttl)
	return err
}

func (m *Membership) Deregister(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pl == nil {
		return nil
	}

	m.pl.Close()
	m.pl = nil

	return nil
}
