// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/crystalchat/crystal/internal/access/policy"
	"github.com/crystalchat/crystal/internal/access/policy/audit"
	"github.com/crystalchat/crystal/internal/access/policy/snapcache"
	"github.com/crystalchat/crystal/internal/access/policy/store"
	"github.com/crystalchat/crystal/internal/api"
	"github.com/crystalchat/crystal/internal/config"
	"github.com/crystalchat/crystal/internal/logging"
	"github.com/crystalchat/crystal/internal/observability"
)

const shutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the permission API server",
		Long: `Start the HTTP API that answers permission checks and applies role and
override changes, backed by PostgreSQL. Snapshots are cached in process and,
when cache.redis_addr is set, in redis; the caches are invalidated from
PostgreSQL notifications.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}
			logging.SetDefault("crystal", version, cfg.Log.Format, cfg.Log.Level)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

// runServe wires the server together and blocks until ctx is cancelled or a
// listener fails.
func runServe(ctx context.Context, cfg *config.Config) error {
	mode, err := audit.ParseMode(cfg.Audit.Mode)
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "ping database").Wrap(err)
	}

	grants := store.NewPostgresStore(pool)

	tiers := []snapcache.Tier{snapcache.NewLocal(cfg.Cache.LocalTTL)}
	if cfg.Cache.RedisAddr != "" {
		tier, client, err := snapcache.NewRedisFromAddr(cfg.Cache.RedisAddr, snapcache.WithRedisTTL(cfg.Cache.RedisTTL))
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }() //nolint:errcheck // shutting down
		tiers = append(tiers, tier)
	}
	source := policy.NewCachingSource(grants, tiers...)

	listenCtx, stopListening := context.WithCancel(ctx)
	defer func() {
		stopListening()
		source.Wait()
	}()
	listener := store.NewPgListener(cfg.Database.URL, store.WithListenerLogger(slog.Default()))
	if err := source.StartWithListener(listenCtx, listener); err != nil {
		return err
	}

	writer := audit.NewPostgresWriter(pool)
	auditLog := audit.NewLogger(mode, writer, cfg.Audit.WALPath)
	defer func() {
		if err := auditLog.Close(); err != nil {
			slog.Warn("error closing audit logger", "error", err)
		}
	}()
	if _, err := auditLog.ReplayWAL(ctx); err != nil {
		slog.WarnContext(ctx, "audit WAL replay failed", "error", err)
	}

	retention := audit.NewRetentionWorker(cfg.Audit.Retention(), writer)
	retention.Start(ctx)
	defer retention.Stop()

	evaluator := policy.NewEvaluator(source, policy.WithAuditLogger(auditLog))

	var (
		obsServer *observability.Server
		obsErrCh  <-chan error
		metrics   *observability.Metrics
	)
	if cfg.Metrics.Addr != "" {
		obsServer = observability.NewServer(cfg.Metrics.Addr, pool.Ping)
		obsErrCh, err = obsServer.Start()
		if err != nil {
			return err
		}
		metrics = obsServer.Metrics()
	}

	e := api.New(api.Dependencies{Evaluator: evaluator, Store: grants, Metrics: metrics})
	apiErrCh := make(chan error, 1)
	go func() {
		defer close(apiErrCh)
		if err := e.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			apiErrCh <- oops.Code("API_LISTEN_FAILED").With("addr", cfg.HTTP.Addr).Wrap(err)
		}
	}()
	slog.InfoContext(ctx, "crystal started",
		"http_addr", cfg.HTTP.Addr,
		"metrics_addr", cfg.Metrics.Addr,
		"audit_mode", mode,
		"redis", cfg.Cache.RedisAddr != "",
	)

	runErr := waitForShutdown(ctx, apiErrCh, obsErrCh)

	slog.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Warn("error stopping API server", "error", err)
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return runErr
}

// waitForShutdown blocks until ctx is done or a server reports an error. A
// nil channel is never ready; a closed one means that server stopped cleanly.
func waitForShutdown(ctx context.Context, errChs ...<-chan error) error {
	merged := make(chan error, len(errChs))
	for _, ch := range errChs {
		if ch == nil {
			continue
		}
		go func(ch <-chan error) {
			select {
			case err, ok := <-ch:
				if ok && err != nil {
					merged <- err
				}
			case <-ctx.Done():
			}
		}(ch)
	}

	select {
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
		return nil
	case err := <-merged:
		slog.Error("server error, triggering shutdown", "error", err)
		return err
	}
}
