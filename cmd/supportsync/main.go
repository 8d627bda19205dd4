// Package main provides the supportsync command line: the background
// delivery service and the tools to inspect and feed its queue.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "0.1.0"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFiles   []string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "supportsync",
		Short:         "Offline-first delivery queue for support tickets, feedback and logs",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("SUPPORTSYNC_CONFIG"), "Config file (.yaml, .yml or .json)")
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, "Environment files loaded before SUPPORTSYNC_* overrides")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")

	root.AddCommand(
		newServeCmd(flags),
		newSyncCmd(flags),
		newStatsCmd(flags),
		newListCmd(flags),
		newEnqueueCmd(flags),
		newMigrateCmd(flags),
	)
	return root
}
