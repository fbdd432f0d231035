// Package main implements the Nexa daemon (nexad).
package main

import (
	"os"

	"github.com/concave-dev/nexa/cmd/nexad/commands"
)

func main() {
	commands.SetupCommands()
	if err := commands.RootCmd.Execute(); err != nil {
		commands.CleanupLogFile()
		os.Exit(1)
	}
}
