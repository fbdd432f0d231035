// Package config holds default values shared by more than one Nexa
// component. Component-specific defaults live next to each component's
// Config type.
package config

import "time"

const (
	// DefaultBindAddr binds every listener to all interfaces.
	// TODO: accept IPv6 wildcard (::) once serf advertise detection handles it
	DefaultBindAddr = "0.0.0.0"

	// DefaultAgentPort is where agents open their websocket connection.
	DefaultAgentPort = 7070

	// DefaultAPIPort serves the HTTP control API.
	DefaultAPIPort = 8008

	// DefaultGRPCPort serves node-to-node calls.
	DefaultGRPCPort = 7117

	// DefaultSerfPort is used for gossip membership.
	DefaultSerfPort = 4200

	// DefaultLogLevel keeps output readable without debug detail.
	DefaultLogLevel = "INFO"

	// DefaultDataDir holds raft logs, snapshots and the cluster state file.
	DefaultDataDir = "./data"

	// DefaultHeartbeatInterval is how often agents are expected to send a
	// status update.
	DefaultHeartbeatInterval = 5 * time.Second
)
