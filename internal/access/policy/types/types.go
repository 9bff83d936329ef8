// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

// Package types defines the vocabulary of the permission engine: the
// catalog, member snapshots, requests and decisions.
package types

import (
	"fmt"

	"github.com/samber/oops"
)

// Reason names the precedence rule that produced a decision.
type Reason int

// Reason constants, in precedence order.
const (
	ReasonDenied        Reason = iota // DENIED
	ReasonOwner                       // OWNER
	ReasonUserOverride                // USER_OVERRIDE
	ReasonAdministrator               // ADMINISTRATOR
	ReasonRole                        // ROLE
	ReasonLegacy                      // LEGACY
)

var reasonStrings = [...]string{
	"DENIED",
	"OWNER",
	"USER_OVERRIDE",
	"ADMINISTRATOR",
	"ROLE",
	"LEGACY",
}

func (r Reason) String() string {
	if r >= 0 && int(r) < len(reasonStrings) {
		return reasonStrings[r]
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// MarshalText encodes the reason by name.
func (r Reason) MarshalText() ([]byte, error) {
	if r < 0 || int(r) >= len(reasonStrings) {
		return nil, oops.Code("INVALID_REASON").Errorf("unknown reason %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a reason name.
func (r *Reason) UnmarshalText(text []byte) error {
	for i, s := range reasonStrings {
		if s == string(text) {
			*r = Reason(i)
			return nil
		}
	}
	return oops.Code("INVALID_REASON").With("reason", string(text)).Errorf("unknown reason %q", text)
}

// Decision is the outcome of resolving one request against one snapshot.
// The granted field is unexported so the reason invariant cannot be bypassed.
type Decision struct {
	granted    bool
	Reason     Reason
	Permission Permission
	Scope      Scope
	TargetID   string
	// SourceID is the role or override that decided, empty for OWNER,
	// LEGACY and DENIED.
	SourceID string
}

// NewDecision creates a Decision for req. OWNER, ADMINISTRATOR and LEGACY
// always grant and DENIED never does, whatever granted says.
func NewDecision(reason Reason, granted bool, req Request, sourceID string) Decision {
	switch reason {
	case ReasonOwner, ReasonAdministrator, ReasonLegacy:
		granted = true
	case ReasonDenied:
		granted = false
	}
	return Decision{
		granted:    granted,
		Reason:     reason,
		Permission: req.Permission,
		Scope:      req.Scope,
		TargetID:   req.TargetID,
		SourceID:   sourceID,
	}
}

// IsGranted returns whether the decision allows the action.
func (d Decision) IsGranted() bool {
	return d.granted
}

// Validate checks that granted is consistent with the reason.
func (d Decision) Validate() error {
	switch d.Reason {
	case ReasonOwner, ReasonAdministrator, ReasonLegacy:
		if !d.granted {
			return fmt.Errorf("decision invariant violated: reason=%s but granted=false", d.Reason)
		}
	case ReasonDenied:
		if d.granted {
			return fmt.Errorf("decision invariant violated: reason=%s but granted=true", d.Reason)
		}
	case ReasonUserOverride, ReasonRole:
	default:
		return fmt.Errorf("decision invariant violated: unknown reason %d", int(d.Reason))
	}
	return nil
}

func (d Decision) String() string {
	verdict := "denied"
	if d.granted {
		verdict = "granted"
	}
	if d.TargetID == "" {
		return fmt.Sprintf("%s %s@%s (%s)", verdict, d.Permission, d.Scope, d.Reason)
	}
	return fmt.Sprintf("%s %s@%s:%s (%s)", verdict, d.Permission, d.Scope, d.TargetID, d.Reason)
}
