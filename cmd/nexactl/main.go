// Package main implements the Nexa CLI (nexactl).
package main

import (
	"os"

	"github.com/concave-dev/nexa/cmd/nexactl/commands"
)

func main() {
	commands.SetupCommands()
	if err := commands.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
