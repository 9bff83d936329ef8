// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package snapshotfile_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystalchat/crystal/internal/access/policy/types"
	"github.com/crystalchat/crystal/internal/access/snapshotfile"
	"github.com/crystalchat/crystal/pkg/errutil"
)

var runAt = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func TestLoad_Moderator(t *testing.T) {
	doc, err := snapshotfile.Load(filepath.Join("testdata", "moderator.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "m-mod", doc.Snapshot.MemberID)
	require.Len(t, doc.Snapshot.Roles, 2)
	require.Len(t, doc.Snapshot.Overrides, 1)
	assert.Equal(t, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), doc.Snapshot.Overrides[0].CreatedAt)
	require.Len(t, doc.Checks, 5)

	results := doc.Run(runAt)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.True(t, r.Pass, "%s: got %s", r.Check.Permission, r.Decision)
	}
	assert.Equal(t, types.ReasonDenied, results[4].Decision.Reason)
}

func TestRun_ReportsFailedExpectation(t *testing.T) {
	granted := true
	reason := types.ReasonOwner
	doc := snapshotfile.New(types.Snapshot{
		ServerID:   "s1",
		MemberID:   "m1",
		LegacyRole: types.LegacyGuest,
	},
		snapshotfile.Check{Permission: types.PermBanMembers, Expect: &snapshotfile.Expectation{Granted: &granted}},
		snapshotfile.Check{Permission: types.PermSendMessages, Expect: &snapshotfile.Expectation{Reason: &reason}},
	)

	results := doc.Run(runAt)
	require.Len(t, results, 2)
	assert.False(t, results[0].Pass)
	assert.False(t, results[1].Pass)
	assert.Equal(t, types.ReasonLegacy, results[1].Decision.Reason)
}

func TestParse_Rejects(t *testing.T) {
	valid, err := os.ReadFile(filepath.Join("testdata", "moderator.yaml"))
	require.NoError(t, err)

	tests := []struct {
		name string
		edit func(string) string
		code string
	}{
		{
			name: "empty",
			edit: func(string) string { return "" },
			code: "SNAPSHOT_DOC_INVALID",
		},
		{
			name: "unknown permission",
			edit: func(s string) string { return strings.Replace(s, "KICK_MEMBERS, type", "FLY, type", 1) },
			code: "SNAPSHOT_DOC_INVALID",
		},
		{
			name: "unknown field",
			edit: func(s string) string { return strings.Replace(s, "  legacy_role: GUEST", "  legacy_role: GUEST\n  nickname: bob", 1) },
			code: "SNAPSHOT_DOC_INVALID",
		},
		{
			name: "missing member",
			edit: func(s string) string { return strings.Replace(s, "  member_id: m-mod\n", "", 1) },
			code: "SNAPSHOT_DOC_INVALID",
		},
		{
			name: "newer catalog",
			edit: func(s string) string { return strings.Replace(s, `"1.0.0"`, `"2.0.0"`, 1) },
			code: "CATALOG_INCOMPATIBLE",
		},
		{
			name: "duplicate positions",
			edit: func(s string) string { return strings.Replace(s, "position: 3", "position: 0", 1) },
			code: "INVALID_SNAPSHOT",
		},
		{
			name: "channel check without target",
			edit: func(s string) string {
				return strings.Replace(s, "    target_id: general\n", "", 1)
			},
			code: "SNAPSHOT_DOC_INVALID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := snapshotfile.Parse([]byte(tt.edit(string(valid))))
			errutil.AssertErrorCode(t, err, tt.code)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := snapshotfile.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	errutil.AssertErrorCode(t, err, "SNAPSHOT_DOC_READ_FAILED")
}

func TestMarshal_ParsesBack(t *testing.T) {
	doc, err := snapshotfile.Load(filepath.Join("testdata", "moderator.yaml"))
	require.NoError(t, err)

	data, err := snapshotfile.Marshal(doc)
	require.NoError(t, err)
	again, err := snapshotfile.Parse(data)
	require.NoError(t, err)

	assert.Equal(t, doc.Snapshot.Roles, again.Snapshot.Roles)
	assert.Equal(t, doc.Run(runAt), again.Run(runAt))
}

func TestGenerateSchema(t *testing.T) {
	data, err := snapshotfile.GenerateSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, snapshotfile.SchemaID, schema["$id"])
	assert.Contains(t, string(data), `"MANAGE_STAGE"`)
	assert.Contains(t, string(data), `"USER_OVERRIDE"`)
}
