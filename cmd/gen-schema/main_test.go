// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_WritesThenChecks(t *testing.T) {
	out := filepath.Join(t.TempDir(), "schemas", "snapshot.schema.json")

	require.Error(t, run(out, true), "missing file is stale")

	require.NoError(t, run(out, false))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"$schema"`)

	require.NoError(t, run(out, true))

	require.NoError(t, os.WriteFile(out, []byte("{}"), 0o600))
	err = run(out, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale")
}
