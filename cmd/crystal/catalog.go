// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/crystalchat/crystal/internal/access/policy/types"
)

// NewCatalogCmd creates the catalog subcommand.
func NewCatalogCmd() *cobra.Command {
	var (
		match      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the permission catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			perms, err := types.MatchPermissions(match)
			if err != nil {
				return err
			}
			if perms == nil {
				perms = []types.Permission{}
			}
			if jsonOutput {
				return printJSON(cmd, struct {
					Version     string             `json:"version"`
					Permissions []types.Permission `json:"permissions"`
				}{types.CatalogVersion, perms})
			}
			cmd.Printf("catalog version %s\n", types.CatalogVersion)
			for _, p := range perms {
				cmd.Println(p)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&match, "match", "", "only list permissions matching this glob, e.g. 'MANAGE_*'")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}
