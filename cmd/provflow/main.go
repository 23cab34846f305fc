// Command provflow runs workflow scenarios and reports on their provenance
// traces.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/provflow/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
