// Package config holds the nexactl global and per-command settings.
package config

import "github.com/concave-dev/nexa/internal/version"

const (
	DefaultAPIAddr = "127.0.0.1:8008" // Routable default for a local node
	DefaultTimeout = 8                // Seconds
)

// Version is the nexactl version reported in the User-Agent header.
var Version = version.NexactlVersion

// Global holds the flags shared by every command
var Global struct {
	APIAddr  string // Any node works; membership writes are forwarded to the leader
	LogLevel string
	Timeout  int // Seconds
	Verbose  bool
	Output   string // table or json
}

// Agent holds the agent command configuration
var Agent struct {
	Capability string
	Watch      bool
}

// TaskOptions are the task command flags.
type TaskOptions struct {
	State      string
	Watch      bool
	Type       string
	Payload    string
	RoutingKey string
	Model      string
	Tokens     int64
	Deadline   string // Duration from now, e.g. 30s
	ID         string
}

// Task holds the task command configuration
var Task TaskOptions

// Node holds the node command configuration
var Node struct {
	Watch    bool
	APIAddr  string // For join
	GRPCAddr string
}

// Metrics holds the metrics command configuration
var Metrics struct {
	Cluster bool
}
