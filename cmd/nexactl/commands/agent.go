package commands

import (
	"github.com/concave-dev/nexa/cmd/nexactl/config"
	"github.com/concave-dev/nexa/cmd/nexactl/handlers"
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Inspect agents connected to a node",
}

var agentLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List connected agents",
	Example: `  nexactl agent ls
  nexactl agent ls --capability=summarize --watch`,
	Args: cobra.NoArgs,
	RunE: handlers.HandleAgentList,
}

var agentInfoCmd = &cobra.Command{
	Use:   "info <agent-id>",
	Short: "Show one agent by id or unique id prefix",
	Args:  exactArgs(1, "exactly 1 agent id"),
	RunE:  handlers.HandleAgentInfo,
}

func setupAgentCommands() {
	agentCmd.AddCommand(agentLsCmd, agentInfoCmd)

	agentLsCmd.Flags().StringVar(&config.Agent.Capability, "capability", "",
		"Only list agents advertising this capability")
	agentLsCmd.Flags().BoolVarP(&config.Agent.Watch, "watch", "w", false,
		"Watch for changes and continuously update the display")
}
