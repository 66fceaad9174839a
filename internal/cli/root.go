// Package cli implements the musubi command line: a server mode and an
// offline correlation mode for working with trace files directly.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the musubi command tree. version is stamped at
// build time via -ldflags.
func NewRootCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "musubi",
		Short: "Flow correlation engine for Chrome JSON traces",
		Long: `Musubi ingests Chrome JSON traces and correlates their flow events into
causal edges between slices.

Server mode (musubi serve) runs the full HTTP API backed by Postgres.
Offline mode (musubi process) correlates trace files directly, optionally
persisting results to a local SQLite file.`,
		Version: version,
	}

	cmd.AddCommand(NewServeCommand(version))
	cmd.AddCommand(NewProcessCommand())

	return cmd
}
