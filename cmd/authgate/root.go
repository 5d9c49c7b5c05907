// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/authgate/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the authgate CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authgate",
		Short: "authgate - an authenticating reverse proxy",
		Long: `authgate sits in front of a web application and only forwards requests
carrying a session that passed password and one-time code checks.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "",
		"config file path (default: $XDG_CONFIG_HOME/authgate/config.yaml, then /etc/authgate/config.yaml)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewValidateConfigCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// NewVersionCmd creates the version subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Printf("authgate %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}

// configPath returns --config, or the first config file found in the XDG
// and system config directories. An empty result means defaults and flags only.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	return xdg.FindConfigFile()
}
