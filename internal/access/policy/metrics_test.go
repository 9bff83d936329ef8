// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package policy

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystalchat/crystal/internal/access/policy/snapcache"
	"github.com/crystalchat/crystal/internal/access/policy/types"
)

func TestMetrics_RecordDecisionMetrics(t *testing.T) {
	counter := decisionsTotal.WithLabelValues("ROLE", "false")
	before := testutil.ToFloat64(counter)

	d := types.NewDecision(types.ReasonRole, false, serverReq(types.PermBanMembers), "r1")
	RecordDecisionMetrics(d)

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestMetrics_CheckRecordsDuration(t *testing.T) {
	g := newGuild(t)
	ev := NewEvaluator(g.store)

	_, err := ev.Check(context.Background(), "s1", g.owner, serverReq(types.PermManageServer))
	require.NoError(t, err)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	registered := make(map[string]bool)
	for _, family := range families {
		registered[family.GetName()] = true
	}
	for _, name := range []string{
		"crystal_access_check_duration_seconds",
		"crystal_access_decisions_total",
	} {
		assert.True(t, registered[name], "metric %q should be registered", name)
	}
}

func TestMetrics_CacheResults(t *testing.T) {
	s, memberID := seededStore(t)
	cs := NewCachingSource(s, snapcache.NewLocal(time.Minute))

	miss := snapshotCacheTotal.WithLabelValues("local", "miss")
	hit := snapshotCacheTotal.WithLabelValues("local", "hit")
	missBefore, hitBefore := testutil.ToFloat64(miss), testutil.ToFloat64(hit)

	for range 2 {
		_, err := cs.Snapshot(context.Background(), "s1", memberID)
		require.NoError(t, err)
	}

	assert.Equal(t, missBefore+1, testutil.ToFloat64(miss))
	assert.Equal(t, hitBefore+1, testutil.ToFloat64(hit))
}
