package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bay",
	Short: "Bay - sandbox orchestrator for code-execution runtimes",
	Long: `Bay is a control plane for isolated code-execution sandboxes.
Clients request a sandbox of a given profile and issue capability
operations (run code, shell commands, file transfer, browser control);
Bay schedules the backing containers on a local engine or a cluster,
routes each operation to the right runtime, and reclaims idle, expired
and orphaned resources.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Bay version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "bay.yaml", "path to the configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(gcCmd)
}
