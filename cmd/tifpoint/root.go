// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/tifpoint/tifpoint/internal/config"
)

// Global flags available to all subcommands.
var (
	configFile string
	envFile    string
)

// NewRootCmd creates the root command for the TIFPoint CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tifpoint",
		Short: "TIFPoint - student points API",
		Long: `TIFPoint serves the authentication and activity log API with login
lockout, password reset, request throttling and asynchronous auditing.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "file of environment variables to load")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}

// loadConfig reads configuration with cmd's flags applied.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(config.Options{
		Path:    configFile,
		Flags:   cmd.Flags(),
		EnvFile: envFile,
	})
}
