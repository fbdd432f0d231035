// Package config holds the nexad configuration.
//
// Values come from three layers, later layers winning:
//
//   - Defaults: the component defaults (agent port 7070, API 8008, raft 6969,
//     serf 4200, ...)
//   - File: an optional YAML file given with --config; keys that are absent
//     keep their defaults
//   - Flags: only flags the user actually set on the command line
//
// Raft, gRPC and the API inherit the serf IP unless set explicitly, so a node
// started with just --serf=10.0.0.5:4200 publishes every endpoint on the
// same interface.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/concave-dev/nexa/internal/balancer"
	"github.com/concave-dev/nexa/internal/cluster"
	configDefaults "github.com/concave-dev/nexa/internal/config"
	"github.com/concave-dev/nexa/internal/health"
	"github.com/concave-dev/nexa/internal/registry"
	"github.com/concave-dev/nexa/internal/router"
	"github.com/concave-dev/nexa/internal/scheduler"
	"github.com/concave-dev/nexa/internal/server"
	"github.com/concave-dev/nexa/internal/tokens"
	"gopkg.in/yaml.v3"
)

// Field identifies an address the user may set explicitly.
type Field int

const (
	SerfField Field = iota
	RaftAddrField
	GRPCAddrField
	APIAddrField
	DataDirField
	LogFileField
)

// Default listen addresses.
var (
	DefaultAgent = hostPort(configDefaults.DefaultBindAddr, configDefaults.DefaultAgentPort)
	DefaultSerf  = hostPort(configDefaults.DefaultBindAddr, configDefaults.DefaultSerfPort)
	DefaultRaft  = hostPort(configDefaults.DefaultBindAddr, cluster.DefaultRaftPort)
	DefaultGRPC  = hostPort(configDefaults.DefaultBindAddr, configDefaults.DefaultGRPCPort)
	DefaultAPI   = hostPort(configDefaults.DefaultBindAddr, configDefaults.DefaultAPIPort)
)

const (
	DefaultLogLevel          = configDefaults.DefaultLogLevel
	DefaultDataDir           = configDefaults.DefaultDataDir
	DefaultLeaderWaitTimeout = 30 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultLogMaxSizeMB      = 100
	DefaultLogMaxBackups     = 5
)

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Duration reads "30s"-style strings from YAML.
type Duration time.Duration

// UnmarshalYAML parses a time.ParseDuration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration back as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config holds all daemon settings.
type Config struct {
	NodeID        string   `yaml:"node_id"`
	AgentAddr     string   `yaml:"bind_addr"` // Agent websocket listener
	SerfAddr      string   `yaml:"serf_addr"`
	RaftAddr      string   `yaml:"raft_addr"`
	GRPCAddr      string   `yaml:"grpc_addr"`
	APIAddr       string   `yaml:"api_addr"`
	AdvertiseAddr string   `yaml:"advertise_addr"` // IP peers use; empty detects one
	DataDir       string   `yaml:"data_dir"`
	JoinAddrs     []string `yaml:"join"`
	StrictJoin    bool     `yaml:"strict_join"`
	Bootstrap     bool     `yaml:"bootstrap"`

	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`

	LeaderWaitTimeout Duration `yaml:"leader_wait_timeout"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`

	Connections ConnectionsConfig `yaml:"connections"`
	Agents      AgentsConfig      `yaml:"agents"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Health      HealthConfig      `yaml:"health"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Router      RouterConfig      `yaml:"router"`

	// Split forms of the addresses, filled by Validate
	SerfHost string `yaml:"-"`
	SerfPort int    `yaml:"-"`
	RaftHost string `yaml:"-"`
	RaftPort int    `yaml:"-"`

	explicit map[Field]bool
}

// ConnectionsConfig tunes the agent websocket server.
type ConnectionsConfig struct {
	MaxConnections int      `yaml:"max_connections"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	PingInterval   Duration `yaml:"ping_interval"`
	WriteTimeout   Duration `yaml:"write_timeout"`
	MaxMessageSize int64    `yaml:"max_message_size"`
}

// AgentsConfig tunes liveness and task bookkeeping.
type AgentsConfig struct {
	HeartbeatInterval    Duration `yaml:"heartbeat_interval"`
	MissedHeartbeats     int      `yaml:"missed_heartbeats"`
	MaxTasksPerAgent     int      `yaml:"max_tasks_per_agent"`
	TaskRetention        Duration `yaml:"task_retention"`
	QueuedDeadlinePolicy string   `yaml:"queued_deadline_policy"`
	RetryInterval        Duration `yaml:"retry_interval"`
}

// ClusterConfig tunes raft and membership reconciliation.
type ClusterConfig struct {
	HeartbeatTimeout   Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout    Duration `yaml:"election_timeout"`
	LeaderLeaseTimeout Duration `yaml:"leader_lease_timeout"`
	ApplyTimeout       Duration `yaml:"apply_timeout"`
	DepartureGrace     Duration `yaml:"departure_grace"`
	ReconcileInterval  Duration `yaml:"reconcile_interval"`
}

// HealthConfig sets sampling and alert thresholds.
type HealthConfig struct {
	Interval       Duration `yaml:"interval"`
	HistorySize    int      `yaml:"history_size"`
	CPUPercent     float64  `yaml:"cpu_percent"`
	MemoryPercent  float64  `yaml:"memory_percent"`
	ErrorRate      float64  `yaml:"error_rate"`
	DeprioritizeOn bool     `yaml:"deprioritize_agents"` // Agent alerts move agents to the back of the line
}

// RateLimitConfig sets token windows.
type RateLimitConfig struct {
	Window Duration         `yaml:"window"`
	Limit  int64            `yaml:"limit"`
	Limits map[string]int64 `yaml:"limits"`
}

// RouterConfig sets the consistent-hash ring.
type RouterConfig struct {
	VirtualNodes int `yaml:"virtual_nodes"`
}

// Default returns a config holding every component default.
func Default() *Config {
	srv := server.DefaultConfig()
	reg := registry.DefaultConfig()
	cl := cluster.DefaultConfig()
	hc := health.DefaultConfig()
	tk := tokens.DefaultConfig()

	return &Config{
		AgentAddr:         DefaultAgent,
		SerfAddr:          DefaultSerf,
		RaftAddr:          DefaultRaft,
		GRPCAddr:          DefaultGRPC,
		APIAddr:           DefaultAPI,
		DataDir:           DefaultDataDir,
		LogLevel:          DefaultLogLevel,
		LogMaxSizeMB:      DefaultLogMaxSizeMB,
		LogMaxBackups:     DefaultLogMaxBackups,
		LeaderWaitTimeout: Duration(DefaultLeaderWaitTimeout),
		ShutdownTimeout:   Duration(DefaultShutdownTimeout),
		Connections: ConnectionsConfig{
			MaxConnections: srv.MaxConnections,
			IdleTimeout:    Duration(srv.IdleTimeout),
			PingInterval:   Duration(srv.PingInterval),
			WriteTimeout:   Duration(srv.WriteTimeout),
			MaxMessageSize: srv.MaxMessageSize,
		},
		Agents: AgentsConfig{
			HeartbeatInterval:    Duration(reg.HeartbeatInterval),
			MissedHeartbeats:     reg.MissedHeartbeats,
			MaxTasksPerAgent:     balancer.DefaultConfig().MaxTasksPerAgent,
			TaskRetention:        Duration(reg.TaskRetention),
			QueuedDeadlinePolicy: string(reg.DeadlinePolicy),
			RetryInterval:        Duration(scheduler.DefaultRetryInterval),
		},
		Cluster: ClusterConfig{
			HeartbeatTimeout:   Duration(cl.HeartbeatTimeout),
			ElectionTimeout:    Duration(cl.ElectionTimeout),
			LeaderLeaseTimeout: Duration(cl.LeaderLeaseTimeout),
			ApplyTimeout:       Duration(cl.ApplyTimeout),
			DepartureGrace:     Duration(cl.DepartureGrace),
			ReconcileInterval:  Duration(cl.ReconcileInterval),
		},
		Health: HealthConfig{
			Interval:       Duration(hc.Interval),
			HistorySize:    hc.HistorySize,
			CPUPercent:     hc.Thresholds.CPU,
			MemoryPercent:  hc.Thresholds.Memory,
			ErrorRate:      hc.Thresholds.ErrorRate,
			DeprioritizeOn: true,
		},
		RateLimit: RateLimitConfig{
			Window: Duration(tk.Window),
			Limit:  tk.Limit,
		},
		Router: RouterConfig{
			VirtualNodes: router.DefaultVirtualNodes,
		},
	}
}

// SetExplicitlySet records whether the user chose a value for field.
func (c *Config) SetExplicitlySet(field Field, value bool) {
	if c.explicit == nil {
		c.explicit = make(map[Field]bool)
	}
	c.explicit[field] = value
}

// IsExplicitlySet reports whether the user chose a value for field.
func (c *Config) IsExplicitlySet(field Field) bool {
	return c.explicit[field]
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}
