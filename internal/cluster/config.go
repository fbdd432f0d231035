// Package cluster keeps the cluster's membership and leadership consistent
// across nodes.
//
// Leader election and log replication come from hashicorp/raft: a node starts
// as a follower, becomes a candidate when it stops hearing from a leader and
// becomes leader once a majority votes for it in that term. Any node that
// sees a higher term steps down. Membership itself lives in a small replicated
// state machine (FSM) whose join, leave and health commands are idempotent.
//
// Only the leader changes membership. Followers answer mutating calls with a
// NotLeaderError naming the leader so callers can forward; a node that knows
// of no leader, or loses leadership mid-change, answers with ErrNoQuorum
// instead of guessing.
package cluster

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/concave-dev/nexa/internal/config"
	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/validate"
)

const (
	// DefaultRaftPort is the default port for raft traffic
	DefaultRaftPort = 6969

	// DefaultHeartbeatTimeout is how long a follower waits for the leader
	// before starting an election. Tuned for low-latency networks.
	DefaultHeartbeatTimeout = 200 * time.Millisecond

	// DefaultElectionTimeout bounds a candidate's election round. Raft
	// randomizes the effective timeout between T and 2T.
	DefaultElectionTimeout = 500 * time.Millisecond

	// DefaultCommitTimeout is the default commit timeout
	DefaultCommitTimeout = 25 * time.Millisecond

	// DefaultLeaderLeaseTimeout is how long a leader keeps acting without
	// contact from a majority before stepping down.
	DefaultLeaderLeaseTimeout = 100 * time.Millisecond

	// DefaultApplyTimeout bounds a single membership change.
	DefaultApplyTimeout = 10 * time.Second

	// DefaultDepartureGrace is how long a failed node keeps its membership
	// before the leader removes it.
	DefaultDepartureGrace = 30 * time.Second

	// DefaultReconcileInterval is how often the leader compares gossip with
	// replicated membership.
	DefaultReconcileInterval = 5 * time.Second
)

// Config holds the cluster manager's settings.
type Config struct {
	NodeID        string // Unique identifier, also the raft server id
	BindAddr      string // IP address raft listens on
	BindPort      int    // Raft port
	AdvertiseAddr string // host:port peers dial; empty resolves from BindAddr
	APIAddr       string // Published so followers can forward to the leader
	GRPCAddr      string // Published for node-to-node calls
	DataDir       string // Raft log, snapshots and the cluster state file

	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	CommitTimeout      time.Duration
	LeaderLeaseTimeout time.Duration
	ApplyTimeout       time.Duration

	DepartureGrace    time.Duration
	ReconcileInterval time.Duration

	// Bootstrap forms a new single-node cluster when there is no existing
	// raft state and no recorded peers.
	Bootstrap bool
	LogLevel  string
}

// DefaultConfig returns defaults for a low-latency datacenter deployment.
func DefaultConfig() *Config {
	return &Config{
		BindAddr:           config.DefaultBindAddr,
		BindPort:           DefaultRaftPort,
		DataDir:            config.DefaultDataDir,
		HeartbeatTimeout:   DefaultHeartbeatTimeout,
		ElectionTimeout:    DefaultElectionTimeout,
		CommitTimeout:      DefaultCommitTimeout,
		LeaderLeaseTimeout: DefaultLeaderLeaseTimeout,
		ApplyTimeout:       DefaultApplyTimeout,
		DepartureGrace:     DefaultDepartureGrace,
		ReconcileInterval:  DefaultReconcileInterval,
		LogLevel:           config.DefaultLogLevel,
	}
}

// Validate checks individual values and the relationships raft requires
// between the timeouts.
func (c *Config) Validate() error {
	if err := validate.ValidateRequiredString(c.NodeID, "node ID"); err != nil {
		return err
	}
	if err := validate.ValidateRequiredString(c.BindAddr, "bind address"); err != nil {
		return err
	}
	if err := validate.ValidatePortRange(c.BindPort); err != nil {
		return fmt.Errorf("bind port validation failed: %w", err)
	}
	if c.AdvertiseAddr != "" {
		if _, _, err := net.SplitHostPort(c.AdvertiseAddr); err != nil {
			return fmt.Errorf("invalid advertise address %q: %w", c.AdvertiseAddr, err)
		}
	}
	if err := validate.ValidateRequiredString(c.DataDir, "data directory"); err != nil {
		return err
	}

	timeouts := []struct {
		d    time.Duration
		name string
	}{
		{c.HeartbeatTimeout, "heartbeat timeout"},
		{c.ElectionTimeout, "election timeout"},
		{c.CommitTimeout, "commit timeout"},
		{c.LeaderLeaseTimeout, "leader lease timeout"},
		{c.ApplyTimeout, "apply timeout"},
		{c.DepartureGrace, "departure grace"},
		{c.ReconcileInterval, "reconcile interval"},
	}
	for _, t := range timeouts {
		if err := validate.ValidatePositiveTimeout(t.d, t.name); err != nil {
			return err
		}
	}

	if c.ElectionTimeout < c.HeartbeatTimeout {
		return fmt.Errorf("election timeout (%v) must be >= heartbeat timeout (%v)", c.ElectionTimeout, c.HeartbeatTimeout)
	}
	if c.LeaderLeaseTimeout > c.HeartbeatTimeout {
		return fmt.Errorf("leader lease timeout (%v) must be <= heartbeat timeout (%v)", c.LeaderLeaseTimeout, c.HeartbeatTimeout)
	}

	return logging.ValidateLogLevel(c.LogLevel)
}

// RaftAddress returns the address peers use to reach this node's raft
// transport.
func (c *Config) RaftAddress(resolveIP func(string) string) string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	return net.JoinHostPort(resolveIP(c.BindAddr), strconv.Itoa(c.BindPort))
}
