// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/crystalchat/crystal/internal/access/policy"
	"github.com/crystalchat/crystal/internal/access/policy/types"
	"github.com/crystalchat/crystal/internal/access/snapshotfile"
)

type checkConfig struct {
	now        string
	jsonOutput bool
}

// NewCheckCmd creates the check subcommand.
func NewCheckCmd() *cobra.Command {
	cfg := &checkConfig{}

	cmd := &cobra.Command{
		Use:   "check FILE",
		Short: "Resolve the checks in a snapshot document offline",
		Long: `Resolve every check in a YAML snapshot document without a database and
print each decision. The command fails when a check's expectation is not met.
A document without checks prints the member's effective server permissions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, cfg, args[0])
		},
	}

	cmd.Flags().StringVar(&cfg.now, "now", "", "evaluation time in RFC 3339 (default: current time)")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output results as JSON")

	return cmd
}

type checkResult struct {
	Permission types.Permission `json:"permission"`
	Scope      types.Scope      `json:"scope"`
	TargetID   string           `json:"target_id,omitempty"`
	Granted    bool             `json:"granted"`
	Reason     types.Reason     `json:"reason"`
	SourceID   string           `json:"source_id,omitempty"`
	Pass       bool             `json:"pass"`
}

func runCheck(cmd *cobra.Command, cfg *checkConfig, path string) error {
	now := time.Now()
	if cfg.now != "" {
		t, err := time.Parse(time.RFC3339, cfg.now)
		if err != nil {
			return oops.Code("INVALID_TIME").With("now", cfg.now).Wrap(err)
		}
		now = t
	}

	doc, err := snapshotfile.Load(path)
	if err != nil {
		return err
	}

	if len(doc.Checks) == 0 {
		engine := policy.NewEngine(policy.WithClock(func() time.Time { return now }))
		perms := engine.Effective(doc.Snapshot, types.ScopeServer, "")
		if cfg.jsonOutput {
			return printJSON(cmd, perms)
		}
		for _, p := range perms {
			cmd.Println(p)
		}
		return nil
	}

	results := doc.Run(now)
	out := make([]checkResult, len(results))
	failed := 0
	for i, r := range results {
		out[i] = checkResult{
			Permission: r.Decision.Permission,
			Scope:      r.Decision.Scope,
			TargetID:   r.Decision.TargetID,
			Granted:    r.Decision.IsGranted(),
			Reason:     r.Decision.Reason,
			SourceID:   r.Decision.SourceID,
			Pass:       r.Pass,
		}
		if !r.Pass {
			failed++
		}
	}

	if cfg.jsonOutput {
		if err := printJSON(cmd, out); err != nil {
			return err
		}
	} else {
		cmd.Print(formatCheckTable(out))
	}

	if failed > 0 {
		return oops.Code("CHECK_FAILED").With("failed", failed).With("total", len(out)).
			Errorf("%d of %d checks did not match their expectation", failed, len(out))
	}
	return nil
}

func formatCheckTable(results []checkResult) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PERMISSION\tSCOPE\tTARGET\tGRANTED\tREASON\tSOURCE\tRESULT")
	for _, r := range results {
		result := "ok"
		if !r.Pass {
			result = "FAIL"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			r.Permission, r.Scope, dash(r.TargetID), r.Granted, r.Reason, dash(r.SourceID), result)
	}
	_ = w.Flush()
	return sb.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return oops.Code("OUTPUT_ENCODE_FAILED").Wrap(err)
	}
	cmd.Println(string(data))
	return nil
}
