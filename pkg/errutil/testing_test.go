// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package errutil_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"

	"github.com/crystalchat/crystal/pkg/errutil"
)

// recorder collects failures instead of stopping the test. FailNow panics so
// the assertion returns early, the way runtime.Goexit would.
type recorder struct {
	errors []string
	failed bool
}

type failNow struct{}

func (r *recorder) Helper() {}

func (r *recorder) Errorf(format string, args ...any) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func (r *recorder) FailNow() {
	r.failed = true
	panic(failNow{})
}

func run(fn func(t errutil.T)) (r *recorder) {
	r = &recorder{}
	defer func() {
		if p := recover(); p != nil {
			if _, ok := p.(failNow); !ok {
				panic(p)
			}
		}
	}()
	fn(r)
	return r
}

func TestAssertErrorCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantFail bool
	}{
		{"matching code", oops.Code("ROLE_NOT_FOUND").Errorf("missing"), false},
		{"wrapped code", oops.With("server_id", "s1").Wrap(oops.Code("ROLE_NOT_FOUND").Errorf("missing")), false},
		{"other code", oops.Code("MEMBER_NOT_FOUND").Errorf("missing"), true},
		{"plain error", errors.New("boom"), true},
		{"nil", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := run(func(rt errutil.T) { errutil.AssertErrorCode(rt, tt.err, "ROLE_NOT_FOUND") })
			assert.Equal(t, tt.wantFail, len(r.errors) > 0, "failures: %v", r.errors)
		})
	}
}

func TestAssertErrorContext(t *testing.T) {
	err := oops.Code("SCOPE_TARGET_INVALID").With("target_id", "c9").Errorf("unknown target")

	r := run(func(rt errutil.T) { errutil.AssertErrorContext(rt, err, "target_id", "c9") })
	assert.Empty(t, r.errors)

	r = run(func(rt errutil.T) { errutil.AssertErrorContext(rt, err, "target_id", "c1") })
	assert.NotEmpty(t, r.errors)
	assert.False(t, r.failed, "value mismatch is not fatal")

	r = run(func(rt errutil.T) { errutil.AssertErrorContext(rt, err, "server_id", "s1") })
	assert.True(t, r.failed)
}
