package serf

import (
	"fmt"
	"time"

	"github.com/concave-dev/nexa/internal/config"
	"github.com/concave-dev/nexa/internal/validate"
)

// Tags every node publishes. Other nodes read them to learn where to reach
// the node's raft, API and gRPC endpoints and how healthy it reports itself.
const (
	TagNodeID   = "node_id"
	TagRaftAddr = "raft_addr"
	TagAPIAddr  = "api_addr"
	TagGRPCAddr = "grpc_addr"
	TagHealth   = "health"
)

// Config holds configuration for the SerfManager
type Config struct {
	BindAddr      string            // Bind address
	BindPort      int               // Bind port
	AdvertiseAddr string            // Address gossiped to peers; empty resolves from BindAddr
	NodeID        string            // Cluster node id, also used as the serf member name
	Tags          map[string]string // Extra tags for the node

	// Endpoints published through tags
	RaftAddr string
	APIAddr  string
	GRPCAddr string

	EventBufferSize     int           // Event buffer size
	JoinRetries         int           // Join retries
	JoinTimeout         time.Duration // Join timeout
	LogLevel            string        // Log level
	DeadNodeReclaimTime time.Duration // How long before a failed node's name can be reused
}

// DefaultConfig returns a default configuration for SerfManager
func DefaultConfig() *Config {
	return &Config{
		BindAddr:            config.DefaultBindAddr,
		BindPort:            config.DefaultSerfPort,
		EventBufferSize:     1024,
		JoinRetries:         3,
		JoinTimeout:         30 * time.Second,
		LogLevel:            config.DefaultLogLevel,
		DeadNodeReclaimTime: 10 * time.Minute,
		Tags:                make(map[string]string),
	}
}

// validateConfig validates manager configuration
func validateConfig(config *Config) error {
	if config.NodeID == "" {
		return fmt.Errorf("node id cannot be empty")
	}

	if err := validate.ValidateField(config.BindAddr, "required,ip"); err != nil {
		return fmt.Errorf("invalid bind address: %w", err)
	}

	if err := validate.ValidateField(config.BindPort, "min=0,max=65535"); err != nil {
		return fmt.Errorf("invalid bind port: %w", err)
	}

	if config.EventBufferSize < 1 {
		return fmt.Errorf("event buffer size must be positive, got: %d", config.EventBufferSize)
	}

	if err := validateTags(config.Tags); err != nil {
		return fmt.Errorf("invalid tags: %w", err)
	}

	return nil
}

// validateTags rejects user tags that collide with the ones the daemon sets
func validateTags(tags map[string]string) error {
	reservedTags := map[string]bool{
		TagNodeID:   true,
		TagRaftAddr: true,
		TagAPIAddr:  true,
		TagGRPCAddr: true,
		TagHealth:   true,
	}

	for tagName := range tags {
		if reservedTags[tagName] {
			return fmt.Errorf("tag name '%s' is reserved and cannot be used", tagName)
		}
	}

	return nil
}
