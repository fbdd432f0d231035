package commands

import (
	"github.com/concave-dev/nexa/cmd/nexactl/config"
	"github.com/concave-dev/nexa/cmd/nexactl/handlers"
	"github.com/spf13/cobra"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect and change cluster membership",
	Long: `Commands for the replicated cluster membership. Joins and removals are
applied by the raft leader; any node accepts them and forwards to the leader.`,
}

var nodeLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cluster members, the leader marked with *",
	Args:  cobra.NoArgs,
	RunE:  handlers.HandleNodeList,
}

var nodeInfoCmd = &cobra.Command{
	Use:   "info <node-id>",
	Short: "Show one member by id or unique id prefix",
	Args:  exactArgs(1, "exactly 1 node id"),
	RunE:  handlers.HandleNodeInfo,
}

var nodeJoinCmd = &cobra.Command{
	Use:   "join <node-id> <raft-addr>",
	Short: "Add a node to the membership",
	Long: `Add a node to the membership by hand. Nodes started with --join add
themselves; this is for recovering membership after a failed automatic join.`,
	Example: `  nexactl node join node-4 10.0.0.4:6969 --node-api=10.0.0.4:8008`,
	Args:    exactArgs(2, "a node id and a raft address"),
	RunE:    handlers.HandleNodeJoin,
}

var nodeLeaveCmd = &cobra.Command{
	Use:   "leave <node-id>",
	Short: "Remove a node from the membership",
	Args:  exactArgs(1, "exactly 1 node id"),
	RunE:  handlers.HandleNodeLeave,
}

func setupNodeCommands() {
	nodeCmd.AddCommand(nodeLsCmd, nodeInfoCmd, nodeJoinCmd, nodeLeaveCmd)

	nodeLsCmd.Flags().BoolVarP(&config.Node.Watch, "watch", "w", false,
		"Watch for changes and continuously update the display")
	nodeJoinCmd.Flags().StringVar(&config.Node.APIAddr, "node-api", "", "HTTP API address of the joining node")
	nodeJoinCmd.Flags().StringVar(&config.Node.GRPCAddr, "node-grpc", "", "gRPC address of the joining node")
}
