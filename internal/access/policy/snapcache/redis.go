// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package snapcache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/crystalchat/crystal/internal/access/policy/types"
)

// Redis tier defaults.
const (
	DefaultRedisTTL       = 30 * time.Second
	DefaultRedisKeyPrefix = "crystal:snap:"
	scanBatch             = 256
)

// Redis is a tier shared between processes. Values are JSON snapshots.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

var _ Tier = (*Redis)(nil)

// RedisOption configures a Redis tier.
type RedisOption func(*Redis)

// WithRedisTTL sets the entry lifetime.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRedisKeyPrefix namespaces keys, e.g. per deployment.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// NewRedis wraps client as a tier.
func NewRedis(client redis.Cmdable, opts ...RedisOption) *Redis {
	r := &Redis{client: client, ttl: DefaultRedisTTL, prefix: DefaultRedisKeyPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisFromAddr connects to addr, which may be host:port or a redis:// URL.
func NewRedisFromAddr(addr string, opts ...RedisOption) (*Redis, *redis.Client, error) {
	var options *redis.Options
	if parsed, err := redis.ParseURL(addr); err == nil {
		options = parsed
	} else {
		options = &redis.Options{Addr: addr}
	}
	if options.Addr == "" {
		return nil, nil, oops.Code("SNAPCACHE_CONFIG_INVALID").With("addr", addr).Errorf("redis address is empty")
	}
	client := redis.NewClient(options)
	return NewRedis(client, opts...), client, nil
}

// Name implements Tier.
func (r *Redis) Name() string { return "redis" }

func (r *Redis) key(serverID, memberID string) string {
	return r.prefix + key(serverID, memberID)
}

// Get implements Tier.
func (r *Redis) Get(ctx context.Context, serverID, memberID string) (types.Snapshot, bool, error) {
	raw, err := r.client.Get(ctx, r.key(serverID, memberID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Snapshot{}, false, nil
	}
	if err != nil {
		return types.Snapshot{}, false, oops.Code("SNAPCACHE_READ_FAILED").
			With("tier", r.Name()).With("server_id", serverID).Wrap(err)
	}
	var snap types.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// A value we cannot decode is as good as missing; drop it.
		_ = r.client.Del(ctx, r.key(serverID, memberID)).Err() //nolint:errcheck // best effort
		return types.Snapshot{}, false, nil
	}
	return snap, true, nil
}

// Set implements Tier.
func (r *Redis) Set(ctx context.Context, snap types.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return oops.Code("SNAPCACHE_WRITE_FAILED").With("tier", r.Name()).Wrap(err)
	}
	if err := r.client.Set(ctx, r.key(snap.ServerID, snap.MemberID), raw, r.ttl).Err(); err != nil {
		return oops.Code("SNAPCACHE_WRITE_FAILED").
			With("tier", r.Name()).With("server_id", snap.ServerID).Wrap(err)
	}
	return nil
}

// InvalidateServer implements Tier.
func (r *Redis) InvalidateServer(ctx context.Context, serverID string) error {
	return r.deleteMatching(ctx, globEscape(r.prefix+serverPrefix(serverID))+"*")
}

// InvalidateAll implements Tier.
func (r *Redis) InvalidateAll(ctx context.Context) error {
	return r.deleteMatching(ctx, globEscape(r.prefix)+"*")
}

// globEscape quotes the characters SCAN MATCH treats as pattern syntax.
func globEscape(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (r *Redis) deleteMatching(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return oops.Code("SNAPCACHE_INVALIDATE_FAILED").With("pattern", pattern).Wrap(err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return oops.Code("SNAPCACHE_INVALIDATE_FAILED").With("pattern", pattern).Wrap(err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
