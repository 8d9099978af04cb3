package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/code-payments/code-coordinator/pkg/grpc/app"
)

const (
	backendMemory   = "memory"
	backendEtcd     = "etcd"
	backendElection = "election"
	backendRaft     = "raft"
)

// config is decoded from the "app" section of the service config.
type config struct {
	// Backend selects how membership and leadership are resolved: memory,
	// etcd (oldest member leads), election (etcd election) or raft.
	Backend string `mapstructure:"backend"`

	// AdvertiseAddress is the host:port peers use to reach this node.
	AdvertiseAddress string `mapstructure:"advertise_address"`
	Weight           uint32 `mapstructure:"weight"`

	EtcdEndpoints []string      `mapstructure:"etcd_endpoints"`
	EtcdRoot      string        `mapstructure:"etcd_root"`
	MemberTTL     time.Duration `mapstructure:"member_ttl"`

	RaftID               string   `mapstructure:"raft_id"`
	RaftBindAddress      string   `mapstructure:"raft_bind_address"`
	RaftAdvertiseAddress string   `mapstructure:"raft_advertise_address"`
	RaftPeers            []string `mapstructure:"raft_peers"`
	RaftBootstrap        bool     `mapstructure:"raft_bootstrap"`

	PartitionCount       int           `mapstructure:"partition_count"`
	MigrationMaxAttempts uint          `mapstructure:"migration_max_attempts"`
	MigrationTimeout     time.Duration `mapstructure:"migration_timeout"`
	ResolverConcurrency  int           `mapstructure:"resolver_concurrency"`
	BarrierTimeout       time.Duration `mapstructure:"barrier_timeout"`
	LeaderCheckSchedule  string        `mapstructure:"leader_check_schedule"`
	LeaderCheckTimeout   time.Duration `mapstructure:"leader_check_timeout"`
}

func defaultConfig() config {
	return config{
		Backend: backendMemory,

		Weight: 100,

		EtcdEndpoints: []string{"localhost:2379"},
		EtcdRoot:      "/coordinator",
		MemberTTL:     10 * time.Second,

		PartitionCount:       271,
		MigrationMaxAttempts: 5,
		MigrationTimeout:     5 * time.Second,
		BarrierTimeout:       30 * time.Second,
		LeaderCheckSchedule:  "@every 15s",
		LeaderCheckTimeout:   10 * time.Second,
	}
}

func decodeConfig(raw app.Config) (config, error) {
	cfg := defaultConfig()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ZeroFields:       true,
		Result:           &cfg,
	})
	if err != nil {
		return config{}, err
	}

	if err := decoder.Decode(map[string]interface{}(raw)); err != nil {
		return config{}, errors.Wrap(err, "failed to decode app config")
	}

	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch c.Backend {
	case backendMemory:
	case backendEtcd, backendElection:
		if len(c.EtcdEndpoints) == 0 {
			return errors.Errorf("backend %s requires etcd_endpoints", c.Backend)
		}
	case backendRaft:
		if c.RaftBindAddress == "" {
			return errors.New("backend raft requires raft_bind_address")
		}
	default:
		return errors.Errorf("unknown backend: %q", c.Backend)
	}

	if c.AdvertiseAddress == "" {
		return errors.New("advertise_address is required")
	}
	if c.PartitionCount <= 0 {
		return errors.Errorf("invalid partition_count: %d", c.PartitionCount)
	}
	if c.MigrationMaxAttempts == 0 {
		return errors.New("migration_max_attempts must be positive")
	}
	if c.LeaderCheckSchedule == "" {
		return errors.New("leader_check_schedule is required")
	}

	return nil
}

// raftPeers parses "id=host:port" entries.
func (c config) raftPeers() (map[string]string, error) {
	peers := make(map[string]string, len(c.RaftPeers))
	for _, entry := range c.RaftPeers {
		id, addr, ok := strings.Cut(entry, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid raft peer %q: expected id=host:port", entry)
		}
		peers[id] = addr
	}
	return peers, nil
}
