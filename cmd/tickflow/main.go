// Command tickflow compiles, runs, replays and tests dataflow graphs.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/tickflow/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
