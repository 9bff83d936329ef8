// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package errutil

import (
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// T is the part of *testing.T the assertions need.
type T interface {
	require.TestingT
	Helper()
}

// AssertErrorCode fails t unless err is an oops error carrying code.
func AssertErrorCode(t T, err error, code string) {
	t.Helper()
	require.Error(t, err, "want error with code %s", code)
	_, ok := oops.AsOops(err)
	require.True(t, ok, "want oops error with code %s, got %T: %v", code, err, err)
	assert.Equal(t, code, Code(err), "error code of %v", err)
}

// AssertErrorContext fails t unless err carries value under key in its oops
// context.
func AssertErrorContext(t T, err error, key string, value any) {
	t.Helper()
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "want oops error with %s=%v, got %T: %v", key, value, err, err)
	got, present := oopsErr.Context()[key]
	require.True(t, present, "context key %q missing from %v", key, oopsErr.Context())
	assert.Equal(t, value, got, "context key %q", key)
}
