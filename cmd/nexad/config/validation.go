package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/registry"
	"github.com/concave-dev/nexa/internal/validate"
	"github.com/google/uuid"
)

// Validate checks and normalizes the configuration before any component is
// built: it splits and inherits addresses, fills in the node id and data
// directory, and runs every component's own validation so a bad value fails
// startup with one message instead of halfway through.
func (c *Config) Validate() error {
	if err := logging.ValidateLogLevel(c.LogLevel); err != nil {
		return err
	}

	// Serf dictates the interface every other endpoint inherits
	serfAddr, err := clusterAddress(c.SerfAddr, "serf")
	if err != nil {
		return err
	}
	c.SerfHost, c.SerfPort = serfAddr.Host, serfAddr.Port

	raftAddr, err := clusterAddress(c.RaftAddr, "raft")
	if err != nil {
		return err
	}
	if !c.IsExplicitlySet(RaftAddrField) {
		raftAddr.Host = c.SerfHost
	}
	c.RaftHost, c.RaftPort = raftAddr.Host, raftAddr.Port
	c.RaftAddr = raftAddr.String()
	if err := c.validateSameInterface(); err != nil {
		return err
	}

	if c.GRPCAddr, err = c.inherit(c.GRPCAddr, GRPCAddrField, "gRPC"); err != nil {
		return err
	}
	if c.APIAddr, err = c.inherit(c.APIAddr, APIAddrField, "API"); err != nil {
		return err
	}

	agentAddr, err := clusterAddress(c.AgentAddr, "agent bind")
	if err != nil {
		return err
	}
	c.AgentAddr = agentAddr.String()

	if c.AdvertiseAddr != "" {
		if ip := net.ParseIP(c.AdvertiseAddr); ip == nil || ip.To4() == nil {
			return fmt.Errorf("advertise address %q must be an IPv4 address", c.AdvertiseAddr)
		}
	}

	if err := c.normalizeNodeID(); err != nil {
		return err
	}

	if len(c.JoinAddrs) > 0 {
		if err := validate.ValidateAddressList(c.JoinAddrs); err != nil {
			return fmt.Errorf("invalid join addresses: %w", err)
		}
	}
	if c.Bootstrap && len(c.JoinAddrs) > 0 {
		return fmt.Errorf("cannot use --bootstrap and --join together: bootstrap creates a new cluster, join connects to an existing one")
	}

	// Separate directories per node keep several local nodes apart
	if !c.IsExplicitlySet(DataDirField) && c.DataDir == DefaultDataDir {
		c.DataDir = filepath.Join(DefaultDataDir, c.NodeID)
	}
	if err := validate.ValidateRequiredString(c.DataDir, "data directory"); err != nil {
		return err
	}

	if err := validate.ValidatePositiveTimeout(c.LeaderWaitTimeout.D(), "leader wait timeout"); err != nil {
		return err
	}
	if err := validate.ValidatePositiveTimeout(c.ShutdownTimeout.D(), "shutdown timeout"); err != nil {
		return err
	}

	switch registry.DeadlinePolicy(c.Agents.QueuedDeadlinePolicy) {
	case registry.DeadlineFail, registry.DeadlineKeep:
	default:
		return fmt.Errorf("queued deadline policy must be %q or %q, got %q",
			registry.DeadlineFail, registry.DeadlineKeep, c.Agents.QueuedDeadlinePolicy)
	}
	if err := validate.ValidatePositiveInt(c.Router.VirtualNodes, "virtual nodes"); err != nil {
		return err
	}
	if err := validate.ValidatePositiveTimeout(c.Agents.RetryInterval.D(), "retry interval"); err != nil {
		return err
	}

	return c.validateComponents()
}

func (c *Config) validateComponents() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"connections", c.ServerConfig().Validate},
		{"agents", c.RegistryConfig().Validate},
		{"rate_limit", c.TokensConfig().Validate},
		{"health", c.HealthConfig().Validate},
		{"cluster", c.ClusterConfig(c.APIAddr, c.GRPCAddr).Validate},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			return fmt.Errorf("%s: %w", check.name, err)
		}
	}
	return nil
}

// clusterAddress parses an IPv4 host:port with a fixed port. Peers find each
// other by these addresses, so port 0 is not allowed.
func clusterAddress(addr, name string) (*validate.NetworkAddress, error) {
	na, err := validate.ParseBindAddress(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s address: %w", name, err)
	}
	if ip := net.ParseIP(na.Host); ip.To4() == nil {
		return nil, fmt.Errorf("invalid %s address %s: IPv6 addresses are not supported", name, addr)
	}
	if err := validate.ValidatePortRange(na.Port); err != nil {
		return nil, fmt.Errorf("%s address requires a specific port (not 0): %w", name, err)
	}
	return na, nil
}

// inherit returns addr with the serf host unless the user set it.
func (c *Config) inherit(addr string, field Field, name string) (string, error) {
	na, err := clusterAddress(addr, name)
	if err != nil {
		return "", err
	}
	if !c.IsExplicitlySet(field) {
		na.Host = c.SerfHost
	}
	return na.String(), nil
}

// validateSameInterface requires raft and serf to share an IP. Members learn
// raft addresses from gossip, which would point at the wrong interface
// otherwise.
func (c *Config) validateSameInterface() error {
	if c.RaftHost == c.SerfHost {
		return nil
	}
	hint := "ensure both services use the same IP address"
	if c.IsExplicitlySet(RaftAddrField) {
		hint = fmt.Sprintf("set --raft=%s:<port> or remove --raft to inherit from --serf", c.SerfHost)
	}
	return fmt.Errorf("raft address (%s) must use the same IP as serf address (%s): %s", c.RaftHost, c.SerfHost, hint)
}

func (c *Config) normalizeNodeID() error {
	if c.NodeID == "" {
		c.NodeID = "nexa-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
		return nil
	}

	original := c.NodeID
	c.NodeID = strings.ToLower(c.NodeID)
	if original != c.NodeID {
		logging.Warn("Node name '%s' converted to lowercase: '%s'", original, c.NodeID)
	}
	if err := validate.NodeNameFormat(c.NodeID); err != nil {
		return fmt.Errorf("invalid node name: %w", err)
	}
	return nil
}
