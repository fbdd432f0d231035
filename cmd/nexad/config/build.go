package config

import (
	"net"
	"strconv"
	"time"

	"github.com/concave-dev/nexa/internal/balancer"
	"github.com/concave-dev/nexa/internal/cluster"
	"github.com/concave-dev/nexa/internal/health"
	"github.com/concave-dev/nexa/internal/registry"
	"github.com/concave-dev/nexa/internal/server"
	"github.com/concave-dev/nexa/internal/tokens"
)

// The builders below translate the daemon config into each component's own
// Config. They expect a validated config.

// ServerConfig builds the agent connection server config.
func (c *Config) ServerConfig() *server.Config {
	cfg := server.DefaultConfig()
	cfg.BindAddr = c.AgentAddr
	cfg.MaxConnections = c.Connections.MaxConnections
	cfg.IdleTimeout = time.Duration(c.Connections.IdleTimeout)
	cfg.PingInterval = time.Duration(c.Connections.PingInterval)
	cfg.WriteTimeout = time.Duration(c.Connections.WriteTimeout)
	cfg.MaxMessageSize = c.Connections.MaxMessageSize
	return cfg
}

// RegistryConfig builds the agent registry config.
func (c *Config) RegistryConfig() *registry.Config {
	cfg := registry.DefaultConfig()
	cfg.HeartbeatInterval = time.Duration(c.Agents.HeartbeatInterval)
	cfg.MissedHeartbeats = c.Agents.MissedHeartbeats
	cfg.MaxTasksPerAgent = c.Agents.MaxTasksPerAgent
	cfg.TaskRetention = time.Duration(c.Agents.TaskRetention)
	cfg.DeadlinePolicy = registry.DeadlinePolicy(c.Agents.QueuedDeadlinePolicy)
	return cfg
}

// BalancerConfig builds the load balancer config.
func (c *Config) BalancerConfig() *balancer.Config {
	cfg := balancer.DefaultConfig()
	cfg.MaxTasksPerAgent = c.Agents.MaxTasksPerAgent
	return cfg
}

// TokensConfig builds the rate tracker config.
func (c *Config) TokensConfig() *tokens.Config {
	return &tokens.Config{
		Window: time.Duration(c.RateLimit.Window),
		Limit:  c.RateLimit.Limit,
		Limits: c.RateLimit.Limits,
	}
}

// HealthConfig builds the health collector config.
func (c *Config) HealthConfig() *health.Config {
	return &health.Config{
		Interval:    time.Duration(c.Health.Interval),
		HistorySize: c.Health.HistorySize,
		Thresholds: health.Thresholds{
			CPU:       c.Health.CPUPercent,
			Memory:    c.Health.MemoryPercent,
			ErrorRate: c.Health.ErrorRate,
		},
	}
}

// ClusterConfig builds the cluster manager config. apiAddr and grpcAddr are
// the advertised endpoints published to other members.
func (c *Config) ClusterConfig(apiAddr, grpcAddr string) *cluster.Config {
	cfg := cluster.DefaultConfig()
	cfg.NodeID = c.NodeID
	cfg.BindAddr = c.RaftHost
	cfg.BindPort = c.RaftPort
	if c.AdvertiseAddr != "" {
		cfg.AdvertiseAddr = net.JoinHostPort(c.AdvertiseAddr, strconv.Itoa(c.RaftPort))
	}
	cfg.APIAddr = apiAddr
	cfg.GRPCAddr = grpcAddr
	cfg.DataDir = c.DataDir
	cfg.Bootstrap = c.Bootstrap
	cfg.LogLevel = c.LogLevel
	cfg.HeartbeatTimeout = time.Duration(c.Cluster.HeartbeatTimeout)
	cfg.ElectionTimeout = time.Duration(c.Cluster.ElectionTimeout)
	cfg.LeaderLeaseTimeout = time.Duration(c.Cluster.LeaderLeaseTimeout)
	cfg.ApplyTimeout = time.Duration(c.Cluster.ApplyTimeout)
	cfg.DepartureGrace = time.Duration(c.Cluster.DepartureGrace)
	cfg.ReconcileInterval = time.Duration(c.Cluster.ReconcileInterval)
	return cfg
}
