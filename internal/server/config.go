package server

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/concave-dev/nexa/internal/config"
	"github.com/concave-dev/nexa/internal/validate"
)

const (
	DefaultMaxConnections = 1000
	DefaultIdleTimeout    = 30 * time.Second
	DefaultPingInterval   = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultSendQueueSize  = 64
	DefaultMaxMessageSize = 1 << 20
)

// Config controls the agent connection server.
type Config struct {
	BindAddr       string        // host:port for the websocket listener
	MaxConnections int           // Connections beyond this are refused before upgrade
	IdleTimeout    time.Duration // A connection silent this long is closed
	PingInterval   time.Duration // Keepalive pings; must be shorter than IdleTimeout
	WriteTimeout   time.Duration // Deadline for a single frame write
	SendQueueSize  int           // Server-pushed frames buffered per connection
	MaxMessageSize int64         // Largest inbound frame accepted
}

// DefaultConfig listens on all interfaces at the default agent port.
func DefaultConfig() *Config {
	return &Config{
		BindAddr:       net.JoinHostPort(config.DefaultBindAddr, strconv.Itoa(config.DefaultAgentPort)),
		MaxConnections: DefaultMaxConnections,
		IdleTimeout:    DefaultIdleTimeout,
		PingInterval:   DefaultPingInterval,
		WriteTimeout:   DefaultWriteTimeout,
		SendQueueSize:  DefaultSendQueueSize,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := validate.ParseBindAddress(c.BindAddr); err != nil {
		return fmt.Errorf("invalid bind address: %w", err)
	}
	if err := validate.ValidatePositiveInt(c.MaxConnections, "max connections"); err != nil {
		return err
	}
	if err := validate.ValidatePositiveTimeout(c.IdleTimeout, "idle timeout"); err != nil {
		return err
	}
	if err := validate.ValidatePositiveTimeout(c.PingInterval, "ping interval"); err != nil {
		return err
	}
	if c.PingInterval >= c.IdleTimeout {
		return fmt.Errorf("ping interval (%v) must be shorter than idle timeout (%v)", c.PingInterval, c.IdleTimeout)
	}
	if err := validate.ValidatePositiveTimeout(c.WriteTimeout, "write timeout"); err != nil {
		return err
	}
	if err := validate.ValidatePositiveInt(c.SendQueueSize, "send queue size"); err != nil {
		return err
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive")
	}
	return nil
}
