// Package commands defines the nexad command line.
//
// The root command runs the daemon. `nexad config` prints the effective
// configuration after defaults, the config file and flags are layered, which
// is the quickest way to see what a node will actually use.
package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/concave-dev/nexa/cmd/nexad/config"
	"github.com/concave-dev/nexa/cmd/nexad/daemon"
	"github.com/concave-dev/nexa/cmd/nexad/utils"
	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/version"
	"github.com/spf13/cobra"
)

// logFile is the rotating log sink opened by --log-file.
var logFile io.Closer

// effective is the validated configuration the daemon runs with.
var effective *config.Config

// CleanupLogFile closes the log file if one was opened.
func CleanupLogFile() {
	if logFile != nil {
		if err := logFile.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
		}
		logFile = nil
	}
}

// RootCmd runs the Nexa daemon.
var RootCmd = &cobra.Command{
	Use:   "nexad",
	Short: "Control plane daemon for clusters of AI agents",
	Long: `Nexa daemon (nexad) accepts agent connections, places tasks on agents by
capability and load, and keeps cluster membership consistent with raft.

Every node can accept agents and tasks. Tasks with a routing key are placed on
the node that owns the key on the consistent-hash ring.`,
	Version:      version.NexadVersion,
	SilenceUsage: true,
	Example: `  # Start the first node of a cluster
  nexad --bootstrap --name=node-1

  # Start a second node and join the first
  nexad --join=10.0.0.1:4200 --name=node-2

  # Run from a config file, overriding the log level
  nexad --config=/etc/nexa/nexad.yaml --log-level=DEBUG`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cmd == cmd.Root() {
			utils.DisplayLogo(version.NexadVersion)
		}
	},
	PreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := prepare(cmd)
		if err != nil {
			return err
		}

		if cfg.LogFile != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
				return fmt.Errorf("failed to create log directory: %w", err)
			}
			logFile = logging.SetFileOutput(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		}
		effective = cfg
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		defer CleanupLogFile()
		return daemon.Run(effective)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration nexad would run with, after defaults, the
--config file and command line flags are applied and validated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.SuppressOutput()
		defer logging.RestoreOutput()

		cfg, err := prepare(cmd)
		if err != nil {
			return err
		}
		return cfg.WriteFile(cmd.OutOrStdout())
	},
}

// prepare builds, validates and applies the log level of the configuration.
func prepare(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return nil, err
	}
	// Apply early so --log-level=ERROR silences validation notices
	if logging.IsValidLogLevel(cfg.LogLevel) {
		logging.SetLevel(cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isDebugEnv() bool {
	return os.Getenv("DEBUG") == "true"
}

// SetupCommands initializes all commands and their relationships
func SetupCommands() {
	SetupFlags(RootCmd)
	RootCmd.AddCommand(configCmd)
}
