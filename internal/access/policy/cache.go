// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package policy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"

	"github.com/crystalchat/crystal/internal/access/policy/snapcache"
	"github.com/crystalchat/crystal/internal/access/policy/store"
	"github.com/crystalchat/crystal/internal/access/policy/types"
)

// SnapshotSource yields member snapshots and role positions. store.GrantStore
// implementations and CachingSource both satisfy it.
type SnapshotSource interface {
	Snapshot(ctx context.Context, serverID, memberID string) (types.Snapshot, error)
	RolePosition(ctx context.Context, serverID, roleID string) (int, error)
}

// Listener abstracts the invalidation feed. Implementations return a channel
// of server IDs (or store.InvalidateAll) that closes when ctx is cancelled.
type Listener interface {
	Listen(ctx context.Context) (<-chan string, error)
}

// CachingSource serves snapshots through a chain of cache tiers, fastest
// first, and falls back to the wrapped source. A hit in a slower tier is
// copied into the faster ones.
type CachingSource struct {
	source SnapshotSource
	tiers  []snapcache.Tier

	// generation is bumped on every invalidation. A fetch that raced with an
	// invalidation is returned but not cached.
	generation atomic.Uint64

	wg sync.WaitGroup
}

// NewCachingSource wraps source with tiers. With no tiers every call goes to
// the source.
func NewCachingSource(source SnapshotSource, tiers ...snapcache.Tier) *CachingSource {
	return &CachingSource{source: source, tiers: tiers}
}

// Snapshot returns the member snapshot, from cache when possible. Tier
// errors are logged and treated as misses.
func (c *CachingSource) Snapshot(ctx context.Context, serverID, memberID string) (types.Snapshot, error) {
	for i, tier := range c.tiers {
		snap, ok, err := tier.Get(ctx, serverID, memberID)
		if err != nil {
			slog.WarnContext(ctx, "snapshot cache read failed",
				"tier", tier.Name(), "server_id", serverID, "error", err)
			recordCacheResult(tier.Name(), "error")
			continue
		}
		if !ok {
			recordCacheResult(tier.Name(), "miss")
			continue
		}
		recordCacheResult(tier.Name(), "hit")
		c.fill(ctx, c.tiers[:i], snap)
		return snap, nil
	}

	gen := c.generation.Load()
	snap, err := c.source.Snapshot(ctx, serverID, memberID)
	if err != nil {
		return types.Snapshot{}, err
	}
	if c.generation.Load() == gen {
		c.fill(ctx, c.tiers, snap)
	}
	return snap, nil
}

// RolePosition is never cached; positions move on every reorder.
func (c *CachingSource) RolePosition(ctx context.Context, serverID, roleID string) (int, error) {
	return c.source.RolePosition(ctx, serverID, roleID)
}

func (c *CachingSource) fill(ctx context.Context, tiers []snapcache.Tier, snap types.Snapshot) {
	for _, tier := range tiers {
		if err := tier.Set(ctx, snap); err != nil {
			slog.WarnContext(ctx, "snapshot cache write failed",
				"tier", tier.Name(), "server_id", snap.ServerID, "error", err)
		}
	}
}

// InvalidateServer drops every cached snapshot of serverID in every tier.
// store.InvalidateAll drops everything.
func (c *CachingSource) InvalidateServer(ctx context.Context, serverID string) error {
	c.generation.Add(1)

	var errs []error
	for _, tier := range c.tiers {
		var err error
		if serverID == store.InvalidateAll {
			err = tier.InvalidateAll(ctx)
		} else {
			err = tier.InvalidateServer(ctx, serverID)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return oops.Code("SNAPSHOT_INVALIDATE_FAILED").With("server_id", serverID).Wrap(errors.Join(errs...))
	}
	return nil
}

// StartWithListener consumes invalidations from listener until ctx is
// cancelled or the feed closes.
func (c *CachingSource) StartWithListener(ctx context.Context, listener Listener) error {
	ch, err := listener.Listen(ctx)
	if err != nil {
		return oops.Code("SNAPSHOT_LISTENER_FAILED").Wrap(err)
	}

	c.wg.Add(1)
	go c.listenLoop(ctx, ch)
	return nil
}

// Wait blocks until the listener goroutine has exited.
func (c *CachingSource) Wait() {
	c.wg.Wait()
}

func (c *CachingSource) listenLoop(ctx context.Context, ch <-chan string) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case serverID, ok := <-ch:
			if !ok {
				return
			}
			if err := c.InvalidateServer(ctx, serverID); err != nil {
				slog.ErrorContext(ctx, "snapshot cache invalidation failed",
					"server_id", serverID, "error", err)
			}
		}
	}
}
