// ============================================================================
// Fawkes Controller/CLI entry point
// ============================================================================
//
// File: cmd/fawkes-controller/main.go
// Purpose: application entry point for the control-plane binary —
// `run --mode controller` starts the scheduler process; the `scheduler`
// subcommands are the operator-facing control plane (spec §6.2).
//
// Adapted from the teacher's cmd/queue/main.go: same panic-recovery
// wrapper, same ldflags-injected version string, same BuildCLI/Execute
// shape.
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/fawkes-project/fawkes/internal/cli"
)

var (
	version = "1.0.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
