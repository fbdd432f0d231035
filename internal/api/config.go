// Package api serves the node's HTTP control surface: status, metrics,
// agents, tasks and cluster membership under /api/v1.
package api

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/concave-dev/nexa/internal/api/handlers"
	"github.com/concave-dev/nexa/internal/config"
	"github.com/concave-dev/nexa/internal/validate"
)

// Config holds the API server settings and the components it serves.
// TODO: Add TLS and authentication once nexactl carries credentials
type Config struct {
	BindAddr     string        // host:port for the HTTP listener
	NodeID       string        // Sent on forwarded requests to detect loops
	ReadTimeout  time.Duration // Whole-request read budget
	WriteTimeout time.Duration // Response write budget
	IdleTimeout  time.Duration // Keep-alive idle budget
	Deps         handlers.Deps
}

// DefaultConfig returns API defaults; Deps must be filled by the caller.
func DefaultConfig() *Config {
	return &Config{
		BindAddr:     net.JoinHostPort(config.DefaultBindAddr, strconv.Itoa(config.DefaultAPIPort)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Validate checks settings and required components.
func (c *Config) Validate() error {
	if _, err := validate.ParseBindAddress(c.BindAddr); err != nil {
		return fmt.Errorf("invalid bind address: %w", err)
	}
	if err := validate.ValidateRequiredString(c.NodeID, "node ID"); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"read timeout":  c.ReadTimeout,
		"write timeout": c.WriteTimeout,
		"idle timeout":  c.IdleTimeout,
	} {
		if err := validate.ValidatePositiveTimeout(d, name); err != nil {
			return err
		}
	}
	if c.Deps.Cluster == nil {
		return fmt.Errorf("cluster manager cannot be nil")
	}
	if c.Deps.Registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	if c.Deps.Scheduler == nil {
		return fmt.Errorf("scheduler cannot be nil")
	}
	return nil
}
