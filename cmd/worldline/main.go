// Command worldline inspects and governs journaled worlds.
package main

import (
	"os"

	"github.com/roach88/worldline/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
