// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package snapcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystalchat/crystal/internal/access/policy/snapcache"
	"github.com/crystalchat/crystal/internal/access/policy/types"
	"github.com/crystalchat/crystal/pkg/errutil"
)

func snap(serverID, memberID string) types.Snapshot {
	return types.Snapshot{
		ServerID:   serverID,
		MemberID:   memberID,
		LegacyRole: types.LegacyGuest,
		Roles: []types.RoleGrants{
			{ID: "base", Position: 0, Grants: []types.Grant{
				{Permission: types.PermSendMessages, Type: types.GrantAllow, Scope: types.ScopeServer},
			}},
		},
		Overrides: []types.Override{},
	}
}

func newRedisTier(t *testing.T, opts ...snapcache.RedisOption) (*snapcache.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return snapcache.NewRedis(client, opts...), mr
}

// tierContract runs the behaviour every tier must share.
func tierContract(t *testing.T, tier snapcache.Tier) {
	ctx := context.Background()

	_, ok, err := tier.Get(ctx, "s1", "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, s := range []types.Snapshot{snap("s1", "m1"), snap("s1", "m2"), snap("s2", "m1"), snap("s10", "m1")} {
		require.NoError(t, tier.Set(ctx, s))
	}

	got, ok, err := tier.Get(ctx, "s1", "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap("s1", "m1"), got)

	require.NoError(t, tier.InvalidateServer(ctx, "s1"))
	for _, k := range []struct {
		server, member string
		want           bool
	}{
		{"s1", "m1", false},
		{"s1", "m2", false},
		{"s2", "m1", true},
		{"s10", "m1", true},
	} {
		_, ok, err := tier.Get(ctx, k.server, k.member)
		require.NoError(t, err)
		assert.Equal(t, k.want, ok, "%s/%s", k.server, k.member)
	}

	require.NoError(t, tier.InvalidateAll(ctx))
	_, ok, err = tier.Get(ctx, "s2", "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// isolationContract checks that invalidating one server never reaches a
// server whose ID merely looks like a pattern or a prefix of it.
func isolationContract(t *testing.T, tier snapcache.Tier) {
	ctx := context.Background()
	servers := []string{"s*", "s1", "s?", "[s]", "s\\", "a", "a/b"}
	for _, id := range servers {
		require.NoError(t, tier.Set(ctx, snap(id, "m1")))
	}

	for _, gone := range []string{"s*", "[s]", "a"} {
		require.NoError(t, tier.InvalidateServer(ctx, gone))
	}

	for _, id := range servers {
		_, ok, err := tier.Get(ctx, id, "m1")
		require.NoError(t, err)
		want := id != "s*" && id != "[s]" && id != "a"
		assert.Equal(t, want, ok, "server %q", id)
	}
}

func TestLocal_Contract(t *testing.T) {
	tierContract(t, snapcache.NewLocal(time.Minute))
	isolationContract(t, snapcache.NewLocal(time.Minute))
}

func TestRedis_Contract(t *testing.T) {
	tier, _ := newRedisTier(t)
	tierContract(t, tier)

	tier, _ = newRedisTier(t, snapcache.WithRedisKeyPrefix("t[1]:"))
	isolationContract(t, tier)
}

func TestLocal_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	tier := snapcache.NewLocal(time.Minute)
	s := snap("s1", "m1")
	require.NoError(t, tier.Set(ctx, s))

	s.Roles[0].Grants[0].Type = types.GrantDeny
	got, _, err := tier.Get(ctx, "s1", "m1")
	require.NoError(t, err)
	got.Roles[0].Position = 9

	again, _, err := tier.Get(ctx, "s1", "m1")
	require.NoError(t, err)
	assert.Equal(t, types.GrantAllow, again.Roles[0].Grants[0].Type)
	assert.Equal(t, 0, again.Roles[0].Position)
}

func TestLocal_Expires(t *testing.T) {
	ctx := context.Background()
	tier := snapcache.NewLocal(20 * time.Millisecond)
	require.NoError(t, tier.Set(ctx, snap("s1", "m1")))
	assert.Equal(t, 1, tier.Len())

	assert.Eventually(t, func() bool {
		_, ok, _ := tier.Get(ctx, "s1", "m1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestRedis_TTLAndPrefix(t *testing.T) {
	ctx := context.Background()
	tier, mr := newRedisTier(t, snapcache.WithRedisTTL(10*time.Second), snapcache.WithRedisKeyPrefix("test:"))
	require.NoError(t, tier.Set(ctx, snap("s1", "m1")))

	assert.True(t, mr.Exists("test:s1/m1"))
	assert.Equal(t, 10*time.Second, mr.TTL("test:s1/m1"))

	mr.FastForward(11 * time.Second)
	_, ok, err := tier.Get(ctx, "s1", "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_CorruptValueIsAMiss(t *testing.T) {
	ctx := context.Background()
	tier, mr := newRedisTier(t)
	require.NoError(t, mr.Set(snapcache.DefaultRedisKeyPrefix+"s1/m1", "{not json"))

	_, ok, err := tier.Get(ctx, "s1", "m1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(snapcache.DefaultRedisKeyPrefix+"s1/m1"))
}

func TestRedis_ServerDown(t *testing.T) {
	ctx := context.Background()
	tier, mr := newRedisTier(t)
	mr.Close()

	_, _, err := tier.Get(ctx, "s1", "m1")
	errutil.AssertErrorCode(t, err, "SNAPCACHE_READ_FAILED")
	require.Error(t, tier.Set(ctx, snap("s1", "m1")))
	require.Error(t, tier.InvalidateServer(ctx, "s1"))
}

func TestNewRedisFromAddr(t *testing.T) {
	mr := miniredis.RunT(t)

	for _, addr := range []string{mr.Addr(), "redis://" + mr.Addr() + "/0"} {
		tier, client, err := snapcache.NewRedisFromAddr(addr)
		require.NoError(t, err)
		require.NoError(t, tier.Set(context.Background(), snap("s1", "m1")))
		_ = client.Close()
	}

	_, _, err := snapcache.NewRedisFromAddr("")
	require.Error(t, err)
}
