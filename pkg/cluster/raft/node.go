package raft

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"
	"github.com/sirupsen/logrus"
)

const (
	maxTransportPool = 3
	transportTimeout = 10 * time.Second
)

// NodeConfig configures a raft node that is only used to elect a coordinator.
type NodeConfig struct {
	ID string

	// BindAddress is the local TCP address raft listens on.
	BindAddress string

	// AdvertiseAddress is the address peers dial. Defaults to BindAddress.
	AdvertiseAddress string

	// Peers maps server IDs to advertise addresses, including this node.
	// It is only used when Bootstrap is set.
	Peers map[string]string

	// Bootstrap seeds the initial configuration from Peers. It must be set
	// on exactly one node, or on all nodes with identical Peers.
	Bootstrap bool

	// LogLevel is an hclog level name. Defaults to "warn".
	LogLevel string
}

// NewNode starts a raft node with in-memory log and snapshot stores. The node
// carries no replicated state; it only takes part in leader election.
func NewNode(cfg NodeConfig) (*hraft.Raft, error) {
	if cfg.ID == "" {
		return nil, errors.New("raft: empty node id")
	}
	if cfg.BindAddress == "" {
		return nil, errors.New("raft: empty bind address")
	}

	level := hclog.LevelFromString(cfg.LogLevel)
	if level == hclog.NoLevel {
		level = hclog.Warn
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  level,
		Output: logrus.StandardLogger().WithField("type", "cluster/raft/node").Writer(),
	})

	var advertise net.Addr
	if cfg.AdvertiseAddress != "" {
		addr, err := net.ResolveTCPAddr("tcp", cfg.AdvertiseAddress)
		if err != nil {
			return nil, fmt.Errorf("invalid advertise address: %w", err)
		}
		advertise = addr
	}

	transport, err := hraft.NewTCPTransportWithLogger(cfg.BindAddress, advertise, maxTransportPool, transportTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft transport: %w", err)
	}

	rc := hraft.DefaultConfig()
	rc.LocalID = hraft.ServerID(cfg.ID)
	rc.Logger = logger

	store := hraft.NewInmemStore()
	snapshots := hraft.NewInmemSnapshotStore()

	r, err := hraft.NewRaft(rc, FSM{}, store, store, snapshots, transport)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("failed to start raft: %w", err)
	}

	if !cfg.Bootstrap {
		return r, nil
	}

	peers := cfg.Peers
	if len(peers) == 0 {
		peers = map[string]string{cfg.ID: string(transport.LocalAddr())}
	}
	if _, ok := peers[cfg.ID]; !ok {
		_ = r.Shutdown().Error()
		return nil, fmt.Errorf("raft: bootstrap peers do not include %s", cfg.ID)
	}

	err = r.BootstrapCluster(hraft.Configuration{Servers: servers(peers)}).Error()
	if err != nil && !errors.Is(err, hraft.ErrCantBootstrap) {
		_ = r.Shutdown().Error()
		return nil, fmt.Errorf("failed to bootstrap raft: %w", err)
	}

	return r, nil
}

func servers(peers map[string]string) []hraft.Server {
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make([]hraft.Server, len(ids))
	for i, id := range ids {
		result[i] = hraft.Server{
			Suffrage: hraft.Voter,
			ID:       hraft.ServerID(id),
			Address:  hraft.ServerAddress(peers[id]),
		}
	}
	return result
}

// FSM is a raft.FSM with no state.
type FSM struct{}

func (FSM) Apply(*hraft.Log) interface{}         { return nil }
func (FSM) Snapshot() (hraft.FSMSnapshot, error) { return snapshot{}, nil }
func (FSM) Restore(rc io.ReadCloser) error       { return rc.Close() }

type snapshot struct{}

func (snapshot) Persist(sink hraft.SnapshotSink) error { return sink.Close() }
func (snapshot) Release()                              {}
