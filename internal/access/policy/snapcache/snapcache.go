// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

// Package snapcache holds member snapshots between Grant Store reads.
//
// A Tier is one storage level. Callers chain tiers fastest first and
// invalidate per server whenever the store reports a change.
package snapcache

import (
	"context"
	"net/url"
	"strings"

	"github.com/crystalchat/crystal/internal/access/policy/types"
)

// Tier is one level of the snapshot cache.
type Tier interface {
	// Name labels the tier in metrics and logs.
	Name() string
	// Get returns the cached snapshot and whether it was present.
	Get(ctx context.Context, serverID, memberID string) (types.Snapshot, bool, error)
	// Set stores snap under its server and member IDs.
	Set(ctx context.Context, snap types.Snapshot) error
	// InvalidateServer drops every snapshot of serverID.
	InvalidateServer(ctx context.Context, serverID string) error
	// InvalidateAll drops everything.
	InvalidateAll(ctx context.Context) error
}

const keySep = "/"

// key escapes the server ID so that no server's prefix is a prefix of
// another server's keys.
func key(serverID, memberID string) string {
	return serverPrefix(serverID) + memberID
}

func serverPrefix(serverID string) string {
	return url.PathEscape(serverID) + keySep
}

func hasServer(k, serverID string) bool {
	return strings.HasPrefix(k, serverPrefix(serverID))
}
