// Package main is the entry point for the capataz agent orchestrator.
package main

import (
	"os"

	"github.com/sevir/capataz/cmd/capataz/commands"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	os.Exit(commands.Execute(version, commit))
}
