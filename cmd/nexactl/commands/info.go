package commands

import (
	"github.com/concave-dev/nexa/cmd/nexactl/config"
	"github.com/concave-dev/nexa/cmd/nexactl/handlers"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the node's role, leader, workload and cluster members",
	Args:  cobra.NoArgs,
	RunE:  handlers.HandleStatus,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the node health check",
	Long: `Show the node health check. A node reports no_leader while it cannot
see a raft leader and degraded while any health alert is raised.`,
	Args: cobra.NoArgs,
	RunE: handlers.HandleHealth,
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show node counters, resource usage and token budgets",
	Example: `  # This node only
  nexactl metrics

  # Every member, gathered by this node over gRPC
  nexactl metrics --cluster`,
	Args: cobra.NoArgs,
	RunE: handlers.HandleMetrics,
}

func setupInfoCommands() {
	metricsCmd.Flags().BoolVar(&config.Metrics.Cluster, "cluster", false,
		"Include metrics from every cluster member")
}
