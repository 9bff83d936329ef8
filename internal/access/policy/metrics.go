// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package policy

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crystalchat/crystal/internal/access/policy/types"
)

var (
	checkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crystal_access_check_duration_seconds",
		Help:    "Histogram of permission check latency in seconds, snapshot fetch included",
		Buckets: prometheus.DefBuckets,
	})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crystal_access_decisions_total",
		Help: "Total number of permission decisions by reason and outcome",
	}, []string{"reason", "granted"})

	snapshotCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crystal_snapshot_cache_total",
		Help: "Snapshot cache lookups by tier and result (hit, miss, error)",
	}, []string{"tier", "result"})
)

// RecordDecisionMetrics records one resolved decision.
func RecordDecisionMetrics(d types.Decision) {
	decisionsTotal.WithLabelValues(d.Reason.String(), strconv.FormatBool(d.IsGranted())).Inc()
}

func recordCheckDuration(took time.Duration) {
	checkDuration.Observe(took.Seconds())
}

func recordCacheResult(tier, result string) {
	snapshotCacheTotal.WithLabelValues(tier, result).Inc()
}
