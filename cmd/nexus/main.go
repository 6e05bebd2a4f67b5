// Command nexus is the orchestrator's CLI entry point: a cobra root
// command with serve, migrate, and doctor subcommands and signal-driven
// graceful shutdown.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// buildRootCmd assembles the root command and its subcommands, split out
// from main so tests can exercise it without calling os.Exit.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nexus",
		Short: "Nexus orchestrator: multi-agent conversational backend",
		Long: `nexus runs the turn orchestrator: session/message persistence, routing
between a closed set of agent variants, tool execution, and an SSE-streamed
chat surface.`,
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
	}

	root.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildDoctorCmd(),
	)
	return root
}

// exitCodeFor maps a startup/runtime error to the process exit codes:
// 1 for a fatal configuration error (including missing LLM credentials),
// 2 for a store that could not be opened, 0 otherwise (clean shutdown
// never reaches this path, since buildRootCmd().Execute() only returns an
// error).
func exitCodeFor(err error) int {
	if se, ok := err.(*startupError); ok {
		return se.code
	}
	return 1
}

// startupError carries a failure class's exit code through cobra's plain
// error-returning RunE.
type startupError struct {
	code int
	err  error
}

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func fatalConfigError(err error) error { return &startupError{code: 1, err: err} }
func fatalStoreError(err error) error  { return &startupError{code: 2, err: err} }
