// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/crystalchat/crystal/internal/config"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the Crystal CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crystal",
		Short: "Crystal - permission resolution for chat servers",
		Long: `Crystal resolves what each member of a chat server may do, from roles,
per-member overrides and the legacy role table, and serves the answers
over HTTP.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewCheckCmd())
	cmd.AddCommand(NewCatalogCmd())
	cmd.AddCommand(NewStatusCmd())

	return cmd
}

// loadConfig reads the configuration for cmd: defaults, the --config file
// (or the XDG default), CRYSTAL_ environment variables, then flags set on the
// command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configFile
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
