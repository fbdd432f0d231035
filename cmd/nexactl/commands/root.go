// Package commands defines the nexactl command tree.
//
//   - status, health, metrics: one node's view of itself and the cluster
//   - agent: agents connected to the node (ls, info)
//   - task: tasks on the node (ls, info, submit)
//   - node: replicated cluster membership (ls, info, join, leave)
package commands

import (
	"fmt"

	"github.com/concave-dev/nexa/cmd/nexactl/config"
	"github.com/spf13/cobra"
)

// RootCmd is the nexactl entry point.
var RootCmd = &cobra.Command{
	Use:   "nexactl",
	Short: "CLI for Nexa agent clusters",
	Long: `Nexa CLI (nexactl) inspects and manages a Nexa cluster through any
node's HTTP API. Membership changes sent to a follower are forwarded to the
leader.`,
	Version:           config.Version,
	SilenceUsage:      true,
	PersistentPreRunE: config.ValidateGlobalFlags,
	Example: `  # Show this node's view of the cluster
  nexactl status

  # Watch agents with live updates
  nexactl agent ls --watch

  # Submit a task routed by key
  nexactl task submit --type=summarize --routing-key=user-7 --payload='{"doc":"..."}'

  # Talk to another node, output JSON
  nexactl --api=10.0.0.2:8008 -o json node ls`,
}

// exactArgs fails with the usage when the argument count is wrong.
func exactArgs(n int, what string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("requires %s, got %d argument(s)\n\n%s", what, len(args), cmd.UsageString())
		}
		return nil
	}
}

// SetupCommands initializes all commands and their relationships
func SetupCommands() {
	SetupGlobalFlags(RootCmd)

	RootCmd.AddCommand(statusCmd, healthCmd, metricsCmd)
	RootCmd.AddCommand(agentCmd, taskCmd, nodeCmd)

	setupInfoCommands()
	setupAgentCommands()
	setupTaskCommands()
	setupNodeCommands()
}

// SetupGlobalFlags configures all global persistent flags
func SetupGlobalFlags(rootCmd *cobra.Command) {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&config.Global.APIAddr, "api", config.DefaultAPIAddr,
		"API server address (any cluster node works)")
	flags.StringVar(&config.Global.LogLevel, "log-level", "ERROR",
		"Log level: DEBUG, INFO, WARN, ERROR")
	flags.IntVar(&config.Global.Timeout, "timeout", config.DefaultTimeout,
		"Request timeout in seconds")
	flags.BoolVarP(&config.Global.Verbose, "verbose", "v", false,
		"Show verbose output")
	flags.StringVarP(&config.Global.Output, "output", "o", "table",
		"Output format: table, json")
}
