// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

// Run benchmarks from the repository root:
//
//	go test -bench=. -benchmem -count=3 ./internal/access/policy/ -run=^$
package policy

import (
	"fmt"
	"testing"
	"time"

	"github.com/crystalchat/crystal/internal/access/policy/types"
)

// benchSnapshot builds a member holding n roles, each with a channel and a
// server grant, plus a handful of overrides.
func benchSnapshot(n int) types.Snapshot {
	roles := make([]types.RoleGrants, 0, n)
	for i := 1; i <= n; i++ {
		roles = append(roles, role(fmt.Sprintf("r%d", i), i,
			at(allow(types.PermAttachFiles), types.ScopeChannel, fmt.Sprintf("c%d", i)),
			deny(types.PermMentionEveryone),
		))
	}
	snap := member("bench", roles...)
	for i := range 5 {
		snap.Overrides = append(snap.Overrides, override(fmt.Sprintf("o%d", i),
			at(allow(types.PermEmbedLinks), types.ScopeChannel, fmt.Sprintf("c%d", i)),
			testNow.Add(-time.Duration(i)*time.Minute)))
	}
	return snap
}

func BenchmarkResolve(b *testing.B) {
	e := fixedEngine()
	for _, n := range []int{1, 10, 100} {
		snap := benchSnapshot(n)
		req := types.MustRequest(types.PermAttachFiles, types.ScopeChannel, "c1")
		b.Run(fmt.Sprintf("roles=%d", n), func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				_ = e.Resolve(snap, req)
			}
		})
	}
}

func BenchmarkEffective(b *testing.B) {
	e := fixedEngine()
	snap := benchSnapshot(25)
	b.ReportAllocs()
	for b.Loop() {
		_ = e.Effective(snap, types.ScopeChannel, "c3")
	}
}
