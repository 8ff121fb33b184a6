// Package cli wires the reportpipe command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"reportpipe/internal/config"
)

// cfg is shared by the command tree; flags bind straight into it.
var cfg = config.New()

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetBuildInfo records build metadata injected via ldflags in main.
func SetBuildInfo(version, commit, date string) {
	if version != "" {
		buildVersion = version
	}
	if commit != "" {
		buildCommit = commit
	}
	if date != "" {
		buildDate = date
	}
}

// BuildInfo returns the recorded build metadata.
func BuildInfo() (version, commit, date string) {
	return buildVersion, buildCommit, buildDate
}

var rootCmd = &cobra.Command{
	Use:   "reportpipe",
	Short: "Batch PDF report exporter for warehouse-driven reporting runs",
	Long: `reportpipe queries a lakehouse warehouse for work items, renders one
paginated PDF report per item through the BI service, uploads the
results to a document-store drive, generates shareable links, and
emails a run summary.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Command errors exit 1; the run command
// manages its own exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&cfg.Run.Verbose, "verbose", "v", false, "Enable debug logging and per-request HTTP tracing")
}
