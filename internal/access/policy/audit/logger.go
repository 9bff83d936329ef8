// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/oops"

	"github.com/crystalchat/crystal/internal/access/policy/types"
	"github.com/crystalchat/crystal/internal/xdg"
)

// Mode controls which decisions are logged.
type Mode string

// Audit logging modes.
const (
	ModeMinimal     Mode = "minimal"      // explicit denials + owner bypass
	ModeDenialsOnly Mode = "denials_only" // every denial + owner bypass
	ModeAll         Mode = "all"          // everything
)

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeMinimal, ModeDenialsOnly, ModeAll:
		return m, nil
	default:
		return "", oops.Code("INVALID_AUDIT_MODE").With("mode", s).
			Errorf("audit mode must be one of minimal, denials_only, all")
	}
}

const asyncBuffer = 1000

// Entry is one recorded decision.
type Entry struct {
	ID         string           `json:"id"`
	ServerID   string           `json:"server_id"`
	MemberID   string           `json:"member_id"`
	Permission types.Permission `json:"permission"`
	Scope      types.Scope      `json:"scope"`
	TargetID   string           `json:"target_id,omitempty"`
	Granted    bool             `json:"granted"`
	Reason     types.Reason     `json:"reason"`
	SourceID   string           `json:"source_id,omitempty"`
	DurationUS int64            `json:"duration_us"`
	Timestamp  time.Time        `json:"timestamp"`
}

// NewEntry builds an entry for decision d made about memberID.
func NewEntry(serverID, memberID string, d types.Decision, took time.Duration, at time.Time) Entry {
	return Entry{
		ID:         ulid.Make().String(),
		ServerID:   serverID,
		MemberID:   memberID,
		Permission: d.Permission,
		Scope:      d.Scope,
		TargetID:   d.TargetID,
		Granted:    d.IsGranted(),
		Reason:     d.Reason,
		SourceID:   d.SourceID,
		DurationUS: took.Microseconds(),
		Timestamp:  at,
	}
}

// explicitDenial reports a denial caused by a DENY grant rather than by
// nothing granting the permission.
func (e Entry) explicitDenial() bool {
	return !e.Granted && e.Reason != types.ReasonDenied
}

func (e Entry) ownerBypass() bool {
	return e.Granted && e.Reason == types.ReasonOwner
}

// Writer is a storage backend for audit entries.
type Writer interface {
	WriteSync(ctx context.Context, entry Entry) error
	WriteAsync(entry Entry) error
	Close() error
}

var (
	channelFullCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crystal_audit_channel_full_total",
		Help: "Total number of audit entries dropped because the async channel was full",
	})

	failuresCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crystal_audit_failures_total",
		Help: "Total number of audit logging failures",
	}, []string{"reason"})

	walEntriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crystal_audit_wal_entries",
		Help: "Current number of entries in the audit WAL",
	})
)

// Logger routes entries to a Writer according to its Mode.
type Logger struct {
	mode      Mode
	writer    Writer
	walPath   string
	walFile   *os.File
	walMu     sync.Mutex
	asyncChan chan Entry
	stopChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DefaultWALPath returns the WAL location under the XDG state directory.
func DefaultWALPath() (string, error) {
	stateDir, err := xdg.StateDir()
	if err != nil {
		return "", oops.Code("AUDIT_WAL_PATH_FAILED").Wrap(err)
	}
	return filepath.Join(stateDir, "audit-wal.jsonl"), nil
}

// NewLogger creates a Logger. An empty walPath selects DefaultWALPath.
func NewLogger(mode Mode, writer Writer, walPath string) *Logger {
	if walPath == "" {
		p, err := DefaultWALPath()
		if err != nil {
			slog.Error("failed to resolve audit WAL path", "error", err)
			p = filepath.Join(os.TempDir(), "crystal-audit-wal.jsonl")
		}
		walPath = p
	}

	l := &Logger{
		mode:      mode,
		writer:    writer,
		walPath:   walPath,
		asyncChan: make(chan Entry, asyncBuffer),
		stopChan:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.asyncConsumer()

	return l
}

// Mode returns the configured mode.
func (l *Logger) Mode() Mode { return l.mode }

// Log records entry if the mode asks for it. Write failures never reach the
// caller: sync failures go to the WAL, async overflow is counted and dropped.
func (l *Logger) Log(ctx context.Context, entry Entry) error {
	record, inline := l.route(entry)
	if !record {
		return nil
	}

	if inline {
		if err := l.writer.WriteSync(ctx, entry); err != nil {
			if walErr := l.writeToWAL(entry); walErr != nil {
				slog.ErrorContext(ctx, "audit write failed: both writer and WAL failed",
					"writer_error", err,
					"wal_error", walErr,
					"server_id", entry.ServerID,
					"member_id", entry.MemberID,
					"permission", entry.Permission,
					"reason", entry.Reason,
				)
				failuresCounter.WithLabelValues("wal_failed").Inc()
			}
		}
		return nil
	}

	select {
	case l.asyncChan <- entry:
	default:
		channelFullCounter.Inc()
	}
	return nil
}

// route returns whether to record the entry and whether to do it inline.
func (l *Logger) route(e Entry) (record, inline bool) {
	switch l.mode {
	case ModeMinimal:
		return e.explicitDenial() || e.ownerBypass(), true
	case ModeDenialsOnly:
		return !e.Granted || e.ownerBypass(), true
	case ModeAll:
		if !e.Granted || e.ownerBypass() {
			return true, true
		}
		return true, false
	default:
		return false, false
	}
}

func (l *Logger) asyncConsumer() {
	defer l.wg.Done()

	for {
		select {
		case entry := <-l.asyncChan:
			l.writeAsync(entry)
		case <-l.stopChan:
			for {
				select {
				case entry := <-l.asyncChan:
					l.writeAsync(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) writeAsync(entry Entry) {
	if err := l.writer.WriteAsync(entry); err != nil {
		slog.Error("async audit write failed",
			"error", err,
			"server_id", entry.ServerID,
			"member_id", entry.MemberID,
		)
		failuresCounter.WithLabelValues("async_write_failed").Inc()
	}
}

func (l *Logger) writeToWAL(entry Entry) error {
	l.walMu.Lock()
	defer l.walMu.Unlock()

	if l.walFile == nil {
		if err := xdg.EnsureDir(filepath.Dir(l.walPath)); err != nil {
			return oops.With("path", l.walPath).Wrap(err)
		}
		file, err := os.OpenFile(l.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY|os.O_SYNC, 0o600)
		if err != nil {
			return oops.With("path", l.walPath).Wrap(err)
		}
		l.walFile = file
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return oops.Wrap(err)
	}
	if _, err := fmt.Fprintf(l.walFile, "%s\n", data); err != nil {
		return oops.With("path", l.walPath).Wrap(err)
	}

	walEntriesGauge.Inc()
	return nil
}

// ReplayWAL writes every WAL entry through the writer and truncates the
// file. Entries that fail again are kept for the next replay.
func (l *Logger) ReplayWAL(ctx context.Context) (int, error) {
	l.walMu.Lock()
	defer l.walMu.Unlock()

	data, err := os.ReadFile(l.walPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, oops.With("path", l.walPath).Wrap(err)
	}

	var (
		replayed int
		retained bytes.Buffer
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			slog.ErrorContext(ctx, "dropping unreadable audit WAL entry", "error", err)
			failuresCounter.WithLabelValues("wal_unmarshal_failed").Inc()
			continue
		}
		if err := l.writer.WriteSync(ctx, entry); err != nil {
			failuresCounter.WithLabelValues("wal_replay_failed").Inc()
			retained.Write(line)
			retained.WriteByte('\n')
			continue
		}
		replayed++
	}
	if err := scanner.Err(); err != nil {
		return replayed, oops.With("path", l.walPath).Wrap(err)
	}

	if l.walFile != nil {
		_ = l.walFile.Close() //nolint:errcheck // reopened on next write
		l.walFile = nil
	}
	if err := os.WriteFile(l.walPath, retained.Bytes(), 0o600); err != nil {
		return replayed, oops.With("path", l.walPath).Wrap(err)
	}

	walEntriesGauge.Set(float64(bytes.Count(retained.Bytes(), []byte{'\n'})))
	slog.InfoContext(ctx, "replayed audit WAL", "count", replayed)
	return replayed, nil
}

// Close drains pending async entries and closes the writer and WAL.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopChan)
		l.wg.Wait()

		if werr := l.writer.Close(); werr != nil {
			err = oops.Wrap(werr)
			return
		}

		l.walMu.Lock()
		defer l.walMu.Unlock()
		if l.walFile != nil {
			if cerr := l.walFile.Close(); cerr != nil {
				err = oops.Wrap(cerr)
			}
			l.walFile = nil
		}
	})
	return err
}
