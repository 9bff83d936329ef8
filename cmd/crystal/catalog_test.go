// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystalchat/crystal/internal/access/policy/types"
	"github.com/crystalchat/crystal/pkg/errutil"
)

func TestCatalog_All(t *testing.T) {
	out, err := execute(t, "catalog")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, "catalog version "+types.CatalogVersion, lines[0])
	assert.Len(t, lines, len(types.AllPermissions())+1)
}

func TestCatalog_MatchJSON(t *testing.T) {
	out, err := execute(t, "catalog", "--match", "*_MEMBERS", "--json")
	require.NoError(t, err)

	var got struct {
		Version     string             `json:"version"`
		Permissions []types.Permission `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, types.CatalogVersion, got.Version)
	assert.Contains(t, got.Permissions, types.PermKickMembers)
	assert.Contains(t, got.Permissions, types.PermBanMembers)
	assert.NotContains(t, got.Permissions, types.PermManageRoles)
}

func TestCatalog_BadPattern(t *testing.T) {
	_, err := execute(t, "catalog", "--match", "[")
	errutil.AssertErrorCode(t, err, "INVALID_PATTERN")
}
