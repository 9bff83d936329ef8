// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// RetentionConfig defines how long audit entries are kept.
type RetentionConfig struct {
	RetainDenials time.Duration // How long to keep denial records
	RetainGrants  time.Duration // How long to keep grant records
	PurgeInterval time.Duration // How often to run the purge cycle
}

// DefaultRetentionConfig returns the default retention configuration.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		RetainDenials: 90 * 24 * time.Hour,
		RetainGrants:  7 * 24 * time.Hour,
		PurgeInterval: 24 * time.Hour,
	}
}

// Purger deletes old audit entries. PostgresWriter implements it.
type Purger interface {
	PurgeBefore(ctx context.Context, granted bool, before time.Time) (int64, error)
}

// RetentionWorker periodically purges expired audit entries.
type RetentionWorker struct {
	cfg    RetentionConfig
	purger Purger
	logger *slog.Logger
	clock  func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetentionWorker creates a retention worker.
func NewRetentionWorker(cfg RetentionConfig, purger Purger) *RetentionWorker {
	return &RetentionWorker{
		cfg:    cfg,
		purger: purger,
		logger: slog.Default(),
		clock:  time.Now,
	}
}

// RunOnce executes a single retention cycle. Both purges are attempted even
// if the first fails; errors are combined.
func (w *RetentionWorker) RunOnce(ctx context.Context) error {
	now := w.clock()
	var errs []error

	purged, err := w.purger.PurgeBefore(ctx, true, now.Add(-w.cfg.RetainGrants))
	if err != nil {
		w.logger.ErrorContext(ctx, "purge expired grants failed", "error", err)
		errs = append(errs, err)
	} else if purged > 0 {
		w.logger.InfoContext(ctx, "purged expired grant records", "count", purged)
	}

	purged, err = w.purger.PurgeBefore(ctx, false, now.Add(-w.cfg.RetainDenials))
	if err != nil {
		w.logger.ErrorContext(ctx, "purge expired denials failed", "error", err)
		errs = append(errs, err)
	} else if purged > 0 {
		w.logger.InfoContext(ctx, "purged expired denial records", "count", purged)
	}

	return errors.Join(errs...)
}

// Start begins periodic retention maintenance.
func (w *RetentionWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop stops the retention worker and waits for completion.
func (w *RetentionWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *RetentionWorker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PurgeInterval)
	defer ticker.Stop()

	if err := w.RunOnce(ctx); err != nil {
		w.logger.ErrorContext(ctx, "retention cycle failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.ErrorContext(ctx, "retention cycle failed", "error", err)
			}
		}
	}
}
