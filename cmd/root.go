// Package cmd implements the mirror command line interface.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the mirror application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Keep live in-memory replicas of control-plane resource collections",
	Long: `mirror connects to a declarative control-plane API server and keeps
in-memory replicas of the configured resource collections, streaming every
change as a named event. It is the standalone runner around the cache library;
most consumers embed the informer packages directly.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the
// application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command and exits the process on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
