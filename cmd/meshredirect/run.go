// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"grimm.is/meshredirect/internal/agent"
	"grimm.is/meshredirect/internal/config"
	"grimm.is/meshredirect/internal/ebpf/loader"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		mode       string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the datapath and the admin API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Mode = mode
				if err := cfg.Validate().Err(); err != nil {
					return err
				}
			}
			logger := setupLogging(cfg)

			a, err := agent.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to build agent: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (HCL, JSON or YAML)")
	cmd.Flags().StringVar(&mode, "mode", "", fmt.Sprintf("override the datapath mode (%s or %s)", config.ModeUserspace, config.ModeKernel))
	return cmd
}

func newCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that this host can run the kernel datapath",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := setupLogging(cfg)

			err = agent.Preflight(agent.EBPFPaths{
				ObjectPath: cfg.EBPF.ObjectPath,
				CgroupPath: cfg.EBPF.CgroupPath,
				PinPath:    cfg.EBPF.PinPath,
			}, logger)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "kernel datapath requirements met")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (HCL, JSON or YAML)")
	return cmd
}

func newUnpinCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "unpin",
		Short: "Remove pinned kernel maps so the next kernel start begins empty",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := setupLogging(cfg)

			l := loader.NewLoader(loader.Options{
				ObjectPath: cfg.EBPF.ObjectPath,
				PinPath:    cfg.EBPF.PinPath,
			}, logger)
			if err := l.Unpin(); err != nil {
				return fmt.Errorf("failed to unpin maps: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed pinned maps under %s\n", cfg.EBPF.PinPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (HCL, JSON or YAML)")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default configuration as HCL",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.OutOrStdout().Write(config.MarshalHCL(config.Default()))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Load and validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	})
	return cmd
}
