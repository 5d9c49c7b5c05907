// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/authgate/internal/config"
)

// NewValidateConfigCmd creates the validate-config subcommand.
func NewValidateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config [FILE]",
		Short: "Check a configuration file without starting the server",
		Long: `Validate a YAML configuration file against the configuration schema and
the semantic checks run at startup. FILE defaults to the --config path or the discovered config file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runValidateConfig,
	}
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return oops.Code("CONFIG_INVALID").Errorf("no config file given and none found")
	}

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
	}
	if err := config.ValidateYAML(data); err != nil {
		return err
	}
	if _, err := config.Load(path, nil); err != nil {
		return err
	}

	cmd.Printf("%s is valid\n", path)
	return nil
}
