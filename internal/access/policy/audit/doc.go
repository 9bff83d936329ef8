// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

// Package audit records permission decisions.
//
// # Modes
//
//   - ModeMinimal: explicit denials (a DENY override or role grant) and owner
//     bypasses, written synchronously
//   - ModeDenialsOnly: every denial, including the fall-through DENIED, plus
//     owner bypasses, written synchronously
//   - ModeAll: everything; the entries above stay synchronous and other
//     grants go through a buffered channel
//
// # Resilience
//
// When a synchronous write fails the entry is appended to a JSONL
// write-ahead log, by default $XDG_STATE_HOME/crystal/audit-wal.jsonl.
// ReplayWAL pushes the backlog to the writer once it is healthy again. A
// full async channel drops the entry and counts it.
//
// # Metrics
//
//   - crystal_audit_channel_full_total
//   - crystal_audit_failures_total{reason}
//   - crystal_audit_wal_entries
//
// # Example
//
//	writer := audit.NewPostgresWriter(pool)
//	logger := audit.NewLogger(audit.ModeDenialsOnly, writer, "")
//	defer logger.Close()
//
//	_ = logger.Log(ctx, audit.NewEntry(serverID, memberID, decision, elapsed, time.Now()))
package audit
