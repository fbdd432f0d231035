// Package grpc carries node-to-node calls: forwarding a task to the node that
// owns its routing key, and reading another node's metrics.
package grpc

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/concave-dev/nexa/internal/config"
	"github.com/concave-dev/nexa/internal/validate"
)

const (
	// DefaultMaxMsgSize is the default maximum message size for gRPC
	DefaultMaxMsgSize = 4 * 1024 * 1024 // 4MB

	DefaultShutdownTimeout = 5 * time.Second
	DefaultCallTimeout     = 3 * time.Second
)

// Config holds configuration for the gRPC server
// TODO: Add TLS configuration for node-to-node calls
type Config struct {
	BindAddr        string        // host:port to bind the gRPC server to
	NodeID          string        // Unique identifier for this node
	MaxMsgSize      int           // Maximum message size in bytes
	ShutdownTimeout time.Duration // Graceful stop budget before a forced stop
}

// DefaultConfig returns a default gRPC configuration
func DefaultConfig() *Config {
	return &Config{
		BindAddr:        net.JoinHostPort(config.DefaultBindAddr, strconv.Itoa(config.DefaultGRPCPort)),
		MaxMsgSize:      DefaultMaxMsgSize,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := validate.ParseBindAddress(c.BindAddr); err != nil {
		return fmt.Errorf("invalid bind address: %w", err)
	}
	if err := validate.ValidateRequiredString(c.NodeID, "node ID"); err != nil {
		return err
	}
	if c.MaxMsgSize <= 0 {
		return fmt.Errorf("max message size must be positive")
	}
	return validate.ValidatePositiveTimeout(c.ShutdownTimeout, "shutdown timeout")
}
