package commands

import (
	"github.com/concave-dev/nexa/cmd/nexad/config"
	"github.com/spf13/cobra"
)

// flagValues receives parsed flags. Only flags the user changed are copied
// onto the loaded config, so a config file is not overridden by flag
// defaults.
var flagValues = config.Default()

var configPath string

// SetupFlags configures all command line flags for the daemon
func SetupFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()

	f.StringVar(&configPath, "config", "",
		"Path to a YAML config file; command line flags override its values")

	// Network flags
	f.StringVar(&flagValues.AgentAddr, "bind", config.DefaultAgent,
		"Address and port agents connect to over websocket (e.g., 0.0.0.0:7070)")
	f.StringVar(&flagValues.SerfAddr, "serf", config.DefaultSerf,
		"Address and port for Serf cluster membership (e.g., 0.0.0.0:4200)")
	f.StringVar(&flagValues.RaftAddr, "raft", config.DefaultRaft,
		"Address and port for Raft consensus; inherits the serf IP when not set")
	f.StringVar(&flagValues.GRPCAddr, "grpc", config.DefaultGRPC,
		"Address and port for node-to-node gRPC; inherits the serf IP when not set")
	f.StringVar(&flagValues.APIAddr, "api", config.DefaultAPI,
		"Address and port for the HTTP API; inherits the serf IP when not set")
	f.StringVar(&flagValues.AdvertiseAddr, "advertise", "",
		"IP address published to other nodes (defaults to the first private IP when binding 0.0.0.0)")

	// Cluster flags
	f.StringSliceVar(&flagValues.JoinAddrs, "join", nil,
		"Comma-separated list of serf addresses to join (e.g., node1:4200,node2:4200)\n"+
			"Multiple addresses provide fault tolerance - if first node is down, tries next one")
	f.BoolVar(&flagValues.StrictJoin, "strict-join", false,
		"Exit if cluster join fails (default: continue in isolation)")
	f.BoolVar(&flagValues.Bootstrap, "bootstrap", false,
		"Bootstrap a new cluster (first node only, mutually exclusive with --join)")
	f.StringVar(&flagValues.DataDir, "data-dir", config.DefaultDataDir,
		"Directory for raft data and the cluster state file (defaults to ./data/<node id>)")

	// Agent handling flags
	f.IntVar(&flagValues.Connections.MaxConnections, "max-connections", flagValues.Connections.MaxConnections,
		"Maximum concurrent agent connections")
	f.StringVar(&flagValues.Agents.QueuedDeadlinePolicy, "deadline-policy", flagValues.Agents.QueuedDeadlinePolicy,
		"What happens to a queued task past its deadline: fail or keep")

	// Operational flags
	f.StringVar(&flagValues.NodeID, "name", "",
		"Node name, also its cluster id (defaults to a generated id like 'nexa-1a2b3c4d')")
	f.StringVar(&flagValues.LogLevel, "log-level", config.DefaultLogLevel,
		"Log level: DEBUG, INFO, WARN, ERROR")
	f.StringVar(&flagValues.LogFile, "log-file", "",
		"Write logs to this file (rotated) instead of stderr")
}

// buildConfig layers defaults, the config file and changed flags.
func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		if err := cfg.LoadFile(configPath); err != nil {
			return nil, err
		}
	}

	overrides := []struct {
		flag  string
		field config.Field
		apply func()
	}{
		{"bind", -1, func() { cfg.AgentAddr = flagValues.AgentAddr }},
		{"serf", config.SerfField, func() { cfg.SerfAddr = flagValues.SerfAddr }},
		{"raft", config.RaftAddrField, func() { cfg.RaftAddr = flagValues.RaftAddr }},
		{"grpc", config.GRPCAddrField, func() { cfg.GRPCAddr = flagValues.GRPCAddr }},
		{"api", config.APIAddrField, func() { cfg.APIAddr = flagValues.APIAddr }},
		{"advertise", -1, func() { cfg.AdvertiseAddr = flagValues.AdvertiseAddr }},
		{"join", -1, func() { cfg.JoinAddrs = flagValues.JoinAddrs }},
		{"strict-join", -1, func() { cfg.StrictJoin = flagValues.StrictJoin }},
		{"bootstrap", -1, func() { cfg.Bootstrap = flagValues.Bootstrap }},
		{"data-dir", config.DataDirField, func() { cfg.DataDir = flagValues.DataDir }},
		{"max-connections", -1, func() { cfg.Connections.MaxConnections = flagValues.Connections.MaxConnections }},
		{"deadline-policy", -1, func() { cfg.Agents.QueuedDeadlinePolicy = flagValues.Agents.QueuedDeadlinePolicy }},
		{"name", -1, func() { cfg.NodeID = flagValues.NodeID }},
		{"log-level", -1, func() { cfg.LogLevel = flagValues.LogLevel }},
		{"log-file", config.LogFileField, func() { cfg.LogFile = flagValues.LogFile }},
	}

	defaults := config.Default()
	for _, o := range overrides {
		if cmd.Flags().Changed(o.flag) {
			o.apply()
			if o.field >= 0 {
				cfg.SetExplicitlySet(o.field, true)
			}
		}
	}

	// Addresses set in the file count as explicit too
	fileSet := map[config.Field]bool{
		config.RaftAddrField: cfg.RaftAddr != defaults.RaftAddr,
		config.GRPCAddrField: cfg.GRPCAddr != defaults.GRPCAddr,
		config.APIAddrField:  cfg.APIAddr != defaults.APIAddr,
		config.DataDirField:  cfg.DataDir != defaults.DataDir,
	}
	for field, set := range fileSet {
		if set {
			cfg.SetExplicitlySet(field, true)
		}
	}

	if cfg.LogLevel == config.DefaultLogLevel && !cmd.Flags().Changed("log-level") && isDebugEnv() {
		cfg.LogLevel = "DEBUG"
	}
	return cfg, nil
}
