// Package handlers holds the RunE functions behind nexactl commands. Each
// one builds an API client from the global flags, calls the daemon and hands
// the result to the display package.
package handlers

import (
	"github.com/concave-dev/nexa/cmd/nexactl/client"
	"github.com/concave-dev/nexa/cmd/nexactl/config"
	"github.com/concave-dev/nexa/cmd/nexactl/display"
	"github.com/concave-dev/nexa/cmd/nexactl/utils"
	"github.com/concave-dev/nexa/internal/logging"
	"github.com/spf13/cobra"
)

// newClient is swapped in tests.
var newClient = client.CreateAPIClient

// HandleHealth shows the node health check.
func HandleHealth(cmd *cobra.Command, args []string) error {
	utils.SetupLogging()

	health, err := newClient().Health()
	if err != nil {
		return err
	}
	display.DisplayHealth(health)
	return nil
}

// HandleStatus shows the node's view of the cluster and its membership.
func HandleStatus(cmd *cobra.Command, args []string) error {
	utils.SetupLogging()
	logging.Info("Fetching status from API server: %s", config.Global.APIAddr)

	status, err := newClient().Status()
	if err != nil {
		return err
	}
	display.DisplayStatus(status)
	return nil
}

// HandleMetrics shows node counters, with --cluster every peer's too.
func HandleMetrics(cmd *cobra.Command, args []string) error {
	utils.SetupLogging()

	metrics, err := newClient().Metrics(config.Metrics.Cluster)
	if err != nil {
		return err
	}
	display.DisplayMetrics(metrics)
	if n := len(metrics.PeerErrors); n > 0 {
		logging.Warn("%d peer(s) did not report metrics", n)
	}
	return nil
}
