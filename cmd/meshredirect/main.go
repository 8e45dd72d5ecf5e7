// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command meshredirect runs the mesh redirect datapath and queries its admin
// API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"grimm.is/meshredirect/internal/config"
	"grimm.is/meshredirect/internal/logging"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "meshredirect",
		Short:         "Transparent connection redirection for a local service mesh proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(),
		newLookupCmd(),
		newFlowCmd(),
		newStatsCmd(),
		newEventsCmd(),
		newCheckCmd(),
		newUnpinCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig loads path, or the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

func setupLogging(cfg *config.Config) *logging.Logger {
	logger := logging.New(cfg.LoggingConfig())
	logging.SetDefault(logger)
	return logger
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "meshredirect %s (config schema %s)\n", version, config.CurrentSchemaVersion)
		},
	}
}
