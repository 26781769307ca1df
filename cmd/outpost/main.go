// Command outpost runs and operates an outpost event bus.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/outpost/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
