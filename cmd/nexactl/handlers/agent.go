package handlers

import (
	"github.com/concave-dev/nexa/cmd/nexactl/config"
	"github.com/concave-dev/nexa/cmd/nexactl/display"
	"github.com/concave-dev/nexa/cmd/nexactl/utils"
	"github.com/concave-dev/nexa/internal/logging"
	"github.com/spf13/cobra"
)

// HandleAgentList lists agents connected to the node.
func HandleAgentList(cmd *cobra.Command, args []string) error {
	utils.SetupLogging()

	api := newClient()
	return utils.RunWithWatch(func() error {
		agents, err := api.Agents(config.Agent.Capability)
		if err != nil {
			return err
		}
		display.DisplayAgents(agents)
		return nil
	}, config.Agent.Watch)
}

// HandleAgentInfo shows one agent by id or unique id prefix.
func HandleAgentInfo(cmd *cobra.Command, args []string) error {
	utils.SetupLogging()

	api := newClient()
	agents, err := api.Agents("")
	if err != nil {
		return err
	}
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	id, err := utils.ResolveID(ids, args[0], "agent")
	if err != nil {
		return err
	}
	if id != args[0] {
		logging.Info("Resolved agent '%s' to '%s'", args[0], id)
	}

	agent, err := api.Agent(id)
	if err != nil {
		return err
	}
	display.DisplayAgent(agent)
	return nil
}
