// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package store

import (
	"github.com/samber/oops"
)

// Error codes returned by Grant Store implementations.
const (
	CodeServerNotFound        = "SERVER_NOT_FOUND"
	CodeMemberNotFound        = "MEMBER_NOT_FOUND"
	CodeRoleNotFound          = "ROLE_NOT_FOUND"
	CodeBaselineImmutable     = "ROLE_BASELINE_IMMUTABLE"
	CodeRoleOrderMismatch     = "ROLE_ORDER_MISMATCH"
	CodeScopeTargetInvalid    = "SCOPE_TARGET_INVALID"
	CodeMemberAlreadyExists   = "MEMBER_ALREADY_EXISTS"
	CodeStoreFailed           = "STORE_FAILED"
	CodeReorderRetryExhausted = "ROLE_REORDER_CONFLICT"
	CodeRoleHierarchy         = "ROLE_HIERARCHY_VIOLATION"
)

// IsNotFound returns true if err reports a missing server, member or role.
func IsNotFound(err error) bool {
	return hasCode(err, CodeServerNotFound, CodeMemberNotFound, CodeRoleNotFound)
}

// IsConflict returns true if err reports a request that contradicts the
// stored state rather than a storage failure.
func IsConflict(err error) bool {
	return hasCode(err, CodeBaselineImmutable, CodeRoleOrderMismatch, CodeMemberAlreadyExists, CodeReorderRetryExhausted)
}

func hasCode(err error, codes ...string) bool {
	if err == nil {
		return false
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return false
	}
	for _, c := range codes {
		if oopsErr.Code() == c {
			return true
		}
	}
	return false
}
