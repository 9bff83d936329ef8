// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package types

import (
	"time"

	"github.com/samber/oops"
)

// BaselinePosition is the position of the implicit "everyone" role.
const BaselinePosition = 0

// Grant is an ALLOW or DENY rule for one permission at one scope.
// TargetID is set exactly when Scope is not SERVER.
type Grant struct {
	Permission Permission `json:"permission" yaml:"permission" jsonschema:"required"`
	Type       GrantType  `json:"type" yaml:"type" jsonschema:"required,enum=ALLOW,enum=DENY"`
	Scope      Scope      `json:"scope" yaml:"scope" jsonschema:"required,enum=SERVER,enum=CHANNEL,enum=CATEGORY"`
	TargetID   string     `json:"target_id,omitempty" yaml:"target_id,omitempty"`
}

// Validate checks the grant against the catalog and the target rule.
func (g Grant) Validate() error {
	if !g.Permission.Valid() {
		return oops.Code("INVALID_GRANT").With("permission", g.Permission).Errorf("unknown permission")
	}
	if !g.Type.Valid() {
		return oops.Code("INVALID_GRANT").With("type", g.Type).Errorf("unknown grant type")
	}
	if !g.Scope.Valid() {
		return oops.Code("INVALID_GRANT").With("scope", g.Scope).Errorf("unknown scope")
	}
	if g.Scope == ScopeServer && g.TargetID != "" {
		return oops.Code("INVALID_GRANT").With("target_id", g.TargetID).Errorf("server scope grant must not carry a target")
	}
	if g.Scope != ScopeServer && g.TargetID == "" {
		return oops.Code("INVALID_GRANT").With("scope", g.Scope).Errorf("%s scope grant requires a target", g.Scope)
	}
	return nil
}

// AppliesTo reports whether g is for p at exactly (scope, targetID).
func (g Grant) AppliesTo(p Permission, scope Scope, targetID string) bool {
	return g.Permission == p && g.Scope == scope && g.TargetID == targetID
}

// OverrideKey identifies the override slot a member can hold at most once.
type OverrideKey struct {
	MemberID   string
	Permission Permission
	Scope      Scope
	TargetID   string
}

// Override is a member-level grant. It is inert once ExpiresAt has passed.
type Override struct {
	ID         string     `json:"id" yaml:"id"`
	MemberID   string     `json:"member_id" yaml:"member_id"`
	Grant      Grant      `json:"grant" yaml:"grant" jsonschema:"required"`
	AssignedBy string     `json:"assigned_by,omitempty" yaml:"assigned_by,omitempty"`
	Reason     string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at" yaml:"created_at"`
}

// Active reports whether the override still applies at now.
func (o Override) Active(now time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

// Key returns the replacement key of the override.
func (o Override) Key() OverrideKey {
	return OverrideKey{
		MemberID:   o.MemberID,
		Permission: o.Grant.Permission,
		Scope:      o.Grant.Scope,
		TargetID:   o.Grant.TargetID,
	}
}

// RoleGrants is one assigned role with its ordered grant list.
type RoleGrants struct {
	ID       string  `json:"id" yaml:"id"`
	Name     string  `json:"name,omitempty" yaml:"name,omitempty"`
	Position int     `json:"position" yaml:"position" jsonschema:"minimum=0"`
	Grants   []Grant `json:"grants" yaml:"grants"`
}

// IsBaseline reports whether r is the implicit everyone role.
func (r RoleGrants) IsBaseline() bool {
	return r.Position == BaselinePosition
}

// Snapshot is everything the engine needs about one member of one server.
// Roles always includes the baseline role when the Grant Store built it.
type Snapshot struct {
	ServerID   string       `json:"server_id" yaml:"server_id" jsonschema:"required"`
	MemberID   string       `json:"member_id" yaml:"member_id" jsonschema:"required"`
	IsOwner    bool         `json:"is_owner" yaml:"is_owner"`
	LegacyRole LegacyRole   `json:"legacy_role" yaml:"legacy_role" jsonschema:"required,enum=ADMIN,enum=MODERATOR,enum=GUEST"`
	Roles      []RoleGrants `json:"roles" yaml:"roles"`
	Overrides  []Override   `json:"overrides" yaml:"overrides"`
	FetchedAt  time.Time    `json:"fetched_at,omitzero" yaml:"fetched_at,omitempty"`
}

// Validate checks structural invariants of a snapshot: known legacy role,
// valid grants and overrides, unique role positions.
func (s Snapshot) Validate() error {
	if s.MemberID == "" {
		return oops.Code("INVALID_SNAPSHOT").Errorf("member id is required")
	}
	if !s.LegacyRole.Valid() {
		return oops.Code("INVALID_SNAPSHOT").With("legacy_role", s.LegacyRole).Errorf("unknown legacy role")
	}
	seen := make(map[int]string, len(s.Roles))
	for _, r := range s.Roles {
		if r.Position < 0 {
			return oops.Code("INVALID_SNAPSHOT").With("role", r.ID).Errorf("negative role position %d", r.Position)
		}
		if other, dup := seen[r.Position]; dup {
			return oops.Code("INVALID_SNAPSHOT").
				With("role", r.ID).With("other_role", other).
				Errorf("roles share position %d", r.Position)
		}
		seen[r.Position] = r.ID
		for _, g := range r.Grants {
			if err := g.Validate(); err != nil {
				return oops.Code("INVALID_SNAPSHOT").With("role", r.ID).Errorf("role grant: %v", err)
			}
		}
	}
	for _, o := range s.Overrides {
		if err := o.Grant.Validate(); err != nil {
			return oops.Code("INVALID_SNAPSHOT").With("override", o.ID).Errorf("override grant: %v", err)
		}
	}
	return nil
}

// Request is the context of a permission check.
type Request struct {
	Permission Permission `json:"permission"`
	Scope      Scope      `json:"scope"`
	TargetID   string     `json:"target_id,omitempty"`
}

// NewRequest builds a validated Request. Scope defaults to SERVER, and a
// SERVER request drops any target.
func NewRequest(permission Permission, scope Scope, targetID string) (Request, error) {
	if scope == "" {
		scope = ScopeServer
	}
	if scope == ScopeServer {
		targetID = ""
	}
	req := Request{Permission: permission, Scope: scope, TargetID: targetID}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// MustRequest is NewRequest for callers that hold known-good values.
func MustRequest(permission Permission, scope Scope, targetID string) Request {
	req, err := NewRequest(permission, scope, targetID)
	if err != nil {
		panic(err)
	}
	return req
}

// Validate rejects malformed permission/scope/target combinations.
func (r Request) Validate() error {
	if !r.Permission.Valid() {
		return oops.Code("INVALID_REQUEST").With("permission", r.Permission).Errorf("unknown permission")
	}
	if !r.Scope.Valid() {
		return oops.Code("INVALID_REQUEST").With("scope", r.Scope).Errorf("unknown scope")
	}
	if r.Scope != ScopeServer && r.TargetID == "" {
		return oops.Code("INVALID_REQUEST").
			With("permission", r.Permission).With("scope", r.Scope).
			Errorf("%s scope requires a target id", r.Scope)
	}
	return nil
}
