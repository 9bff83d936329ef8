// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/crystalchat/crystal/internal/api"
)

const statusTimeout = 2 * time.Second

// EndpointStatus is what one listener of a running server reported.
type EndpointStatus struct {
	Component      string `json:"component"`
	Addr           string `json:"addr"`
	Running        bool   `json:"running"`
	Health         string `json:"health,omitempty"`
	CatalogVersion string `json:"catalog_version,omitempty"`
	Error          string `json:"error,omitempty"`
}

type statusConfig struct {
	jsonOutput bool
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running Crystal server",
		Long: `Query the API and metrics listeners named by the configuration and
report whether they answer, the readiness probe and the catalog version.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: statusTimeout}
	statuses := []EndpointStatus{queryAPI(cmd.Context(), client, conf.HTTP.Addr)}
	if conf.Metrics.Addr != "" {
		statuses = append(statuses, queryMetrics(cmd.Context(), client, conf.Metrics.Addr))
	}

	if cfg.jsonOutput {
		return printJSON(cmd, statuses)
	}
	cmd.Print(formatStatusTable(statuses))
	return nil
}

// queryAPI asks the API for its catalog, which every running server serves
// without authentication.
func queryAPI(ctx context.Context, client *http.Client, addr string) EndpointStatus {
	status := EndpointStatus{Component: "api", Addr: addr}

	resp, err := get(ctx, client, "http://"+addr+"/v1/catalog?match=ADMINISTRATOR")
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	status.Running = true
	status.CatalogVersion = resp.Header.Get(api.HeaderCatalogVersion)
	if resp.StatusCode == http.StatusOK {
		status.Health = "ok"
	} else {
		status.Health = resp.Status
	}
	return status
}

// queryMetrics reads the liveness and readiness probes.
func queryMetrics(ctx context.Context, client *http.Client, addr string) EndpointStatus {
	status := EndpointStatus{Component: "metrics", Addr: addr}

	live, err := get(ctx, client, "http://"+addr+"/healthz/liveness")
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	_ = live.Body.Close()
	status.Running = live.StatusCode == http.StatusOK

	ready, err := get(ctx, client, "http://"+addr+"/healthz/readiness")
	if err != nil {
		status.Health = "unknown"
		return status
	}
	defer func() { _ = ready.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(ready.Body, 256)) //nolint:errcheck // best effort
	if ready.StatusCode == http.StatusOK {
		status.Health = "ready"
	} else {
		status.Health = strings.TrimSpace(string(body))
	}
	return status
}

func get(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

// formatStatusTable formats the status as a human-readable table.
func formatStatusTable(statuses []EndpointStatus) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "COMPONENT\tADDR\tSTATUS\tHEALTH\tCATALOG")
	for _, s := range statuses {
		if !s.Running {
			reason := "not running"
			if s.Error != "" {
				reason = s.Error
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\tstopped\t-\t%s\n", s.Component, s.Addr, reason)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\trunning\t%s\t%s\n", s.Component, s.Addr, dash(s.Health), dash(s.CatalogVersion))
	}

	_ = w.Flush()
	return sb.String()
}
