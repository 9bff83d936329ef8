// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
)

var auditTable = pgx.Identifier{"access_audit_log"}

var auditColumns = []string{
	"id", "server_id", "member_id", "permission", "scope", "target_id",
	"granted", "reason", "source_id", "duration_us", "timestamp",
}

const (
	defaultBatchSize   = 100
	defaultFlushPeriod = time.Second
	batchWriteTimeout  = 5 * time.Second
)

// poolIface is the subset of pgxpool.Pool the writer needs.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// PostgresWriter implements Writer for PostgreSQL. Async entries are batched
// and written with COPY.
type PostgresWriter struct {
	pool        poolIface
	asyncChan   chan Entry
	stopChan    chan struct{}
	wg          sync.WaitGroup
	batchSize   int
	flushPeriod time.Duration
}

// PostgresWriterOption configures a PostgresWriter.
type PostgresWriterOption func(*PostgresWriter)

// WithBatch sets the batch size and flush period for async writes.
func WithBatch(size int, period time.Duration) PostgresWriterOption {
	return func(w *PostgresWriter) {
		if size > 0 {
			w.batchSize = size
		}
		if period > 0 {
			w.flushPeriod = period
		}
	}
}

// NewPostgresWriter creates a PostgresWriter and starts its batch consumer.
func NewPostgresWriter(pool poolIface, opts ...PostgresWriterOption) *PostgresWriter {
	w := &PostgresWriter{
		pool:        pool,
		asyncChan:   make(chan Entry, asyncBuffer),
		stopChan:    make(chan struct{}),
		batchSize:   defaultBatchSize,
		flushPeriod: defaultFlushPeriod,
	}
	for _, opt := range opts {
		opt(w)
	}

	w.wg.Add(1)
	go w.batchConsumer()

	return w
}

func entryRow(e Entry) []any {
	return []any{
		e.ID, e.ServerID, e.MemberID, string(e.Permission), string(e.Scope), e.TargetID,
		e.Granted, e.Reason.String(), e.SourceID, e.DurationUS, e.Timestamp,
	}
}

// WriteSync inserts one entry.
func (w *PostgresWriter) WriteSync(ctx context.Context, entry Entry) error {
	_, err := w.pool.Exec(ctx, `
		INSERT INTO access_audit_log (
			id, server_id, member_id, permission, scope, target_id,
			granted, reason, source_id, duration_us, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entryRow(entry)...)
	if err != nil {
		return oops.Code("AUDIT_WRITE_FAILED").
			With("server_id", entry.ServerID).
			With("member_id", entry.MemberID).
			With("permission", entry.Permission).
			Wrap(err)
	}
	return nil
}

// WriteAsync queues an entry for the next batch.
func (w *PostgresWriter) WriteAsync(entry Entry) error {
	select {
	case w.asyncChan <- entry:
		return nil
	default:
		channelFullCounter.Inc()
		return oops.Code("AUDIT_CHANNEL_FULL").Errorf("async audit channel full")
	}
}

func (w *PostgresWriter) batchConsumer() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushPeriod)
	defer ticker.Stop()

	var batch []Entry

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), batchWriteTimeout)
		defer cancel()

		if err := w.writeBatch(ctx, batch); err != nil {
			slog.Error("failed to write audit batch", "error", err, "count", len(batch))
			failuresCounter.WithLabelValues("batch_write_failed").Inc()
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-w.asyncChan:
			batch = append(batch, entry)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stopChan:
			for {
				select {
				case entry := <-w.asyncChan:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *PostgresWriter) writeBatch(ctx context.Context, entries []Entry) error {
	n, err := w.pool.CopyFrom(ctx, auditTable, auditColumns,
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			return entryRow(entries[i]), nil
		}))
	if err != nil {
		return oops.Code("AUDIT_WRITE_FAILED").With("count", len(entries)).Wrap(err)
	}
	if int(n) != len(entries) {
		return oops.Code("AUDIT_WRITE_FAILED").With("count", len(entries)).With("copied", n).
			Errorf("audit batch partially copied")
	}
	return nil
}

// PurgeBefore deletes entries older than before whose granted flag matches.
func (w *PostgresWriter) PurgeBefore(ctx context.Context, granted bool, before time.Time) (int64, error) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM access_audit_log WHERE granted = $1 AND timestamp < $2`, granted, before)
	if err != nil {
		return 0, oops.Code("AUDIT_PURGE_FAILED").With("granted", granted).With("before", before).Wrap(err)
	}
	return tag.RowsAffected(), nil
}

// Close flushes queued entries and stops the batch consumer.
func (w *PostgresWriter) Close() error {
	close(w.stopChan)
	w.wg.Wait()
	return nil
}
