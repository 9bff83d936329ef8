// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package snapcache

import (
	"context"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/crystalchat/crystal/internal/access/policy/types"
)

// DefaultLocalTTL bounds how long a process serves a snapshot without
// hearing about a change.
const DefaultLocalTTL = 5 * time.Second

// Local is an in-process TTL tier.
type Local struct {
	c *cache.Cache
}

var _ Tier = (*Local)(nil)

// NewLocal creates a Local tier. A non-positive ttl selects DefaultLocalTTL.
func NewLocal(ttl time.Duration) *Local {
	if ttl <= 0 {
		ttl = DefaultLocalTTL
	}
	return &Local{c: cache.New(ttl, 2*ttl)}
}

// Name implements Tier.
func (l *Local) Name() string { return "local" }

// Get implements Tier.
func (l *Local) Get(_ context.Context, serverID, memberID string) (types.Snapshot, bool, error) {
	v, ok := l.c.Get(key(serverID, memberID))
	if !ok {
		return types.Snapshot{}, false, nil
	}
	return cloneSnapshot(v.(types.Snapshot)), true, nil
}

// Set implements Tier.
func (l *Local) Set(_ context.Context, snap types.Snapshot) error {
	l.c.SetDefault(key(snap.ServerID, snap.MemberID), cloneSnapshot(snap))
	return nil
}

// InvalidateServer implements Tier.
func (l *Local) InvalidateServer(_ context.Context, serverID string) error {
	for k := range l.c.Items() {
		if hasServer(k, serverID) {
			l.c.Delete(k)
		}
	}
	return nil
}

// InvalidateAll implements Tier.
func (l *Local) InvalidateAll(_ context.Context) error {
	l.c.Flush()
	return nil
}

// Len reports the number of unexpired entries.
func (l *Local) Len() int {
	return l.c.ItemCount()
}

// cloneSnapshot copies the slices so cached values are never shared with callers.
func cloneSnapshot(s types.Snapshot) types.Snapshot {
	roles := make([]types.RoleGrants, len(s.Roles))
	for i, r := range s.Roles {
		r.Grants = slices.Clone(r.Grants)
		roles[i] = r
	}
	s.Roles = roles
	s.Overrides = slices.Clone(s.Overrides)
	return s
}
