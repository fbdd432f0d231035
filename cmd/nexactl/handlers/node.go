package handlers

import (
	"fmt"

	"github.com/concave-dev/nexa/cmd/nexactl/config"
	"github.com/concave-dev/nexa/cmd/nexactl/display"
	"github.com/concave-dev/nexa/cmd/nexactl/utils"
	apihandlers "github.com/concave-dev/nexa/internal/api/handlers"
	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/validate"
	"github.com/spf13/cobra"
)

// HandleNodeList lists the replicated cluster membership.
func HandleNodeList(cmd *cobra.Command, args []string) error {
	utils.SetupLogging()

	api := newClient()
	return utils.RunWithWatch(func() error {
		members, err := api.Members()
		if err != nil {
			return err
		}
		display.DisplayMembers(members)
		return nil
	}, config.Node.Watch)
}

// HandleNodeInfo shows one member by id or unique id prefix.
func HandleNodeInfo(cmd *cobra.Command, args []string) error {
	utils.SetupLogging()

	api := newClient()
	members, err := api.Members()
	if err != nil {
		return err
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	id, err := utils.ResolveID(ids, args[0], "node")
	if err != nil {
		return err
	}

	member, err := api.Member(id)
	if err != nil {
		return err
	}
	display.DisplayMember(member)
	return nil
}

// HandleNodeJoin adds <id> at raft address <addr> through the leader.
func HandleNodeJoin(cmd *cobra.Command, args []string) error {
	utils.SetupLogging()

	id, addr := args[0], args[1]
	if err := validate.NodeNameFormat(id); err != nil {
		return fmt.Errorf("invalid node id %q: %w", id, err)
	}
	if _, err := validate.ParseBindAddress(addr); err != nil {
		return fmt.Errorf("invalid raft address %q: %w", addr, err)
	}

	node, err := newClient().Join(apihandlers.JoinRequest{
		ID:       id,
		Address:  addr,
		APIAddr:  config.Node.APIAddr,
		GRPCAddr: config.Node.GRPCAddr,
	})
	if err != nil {
		return err
	}
	logging.Success("Node %s joined the cluster", node.ID)
	display.DisplayMember(node)
	return nil
}

// HandleNodeLeave removes a member through the leader. The id must match
// exactly; prefixes are not resolved for removals.
func HandleNodeLeave(cmd *cobra.Command, args []string) error {
	utils.SetupLogging()

	if err := newClient().Leave(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(display.Out, "Node %s removed from the cluster\n", args[0])
	return nil
}
