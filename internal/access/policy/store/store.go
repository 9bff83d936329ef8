// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

// Package store is the Grant Store: it assembles member snapshots for the
// resolution engine and applies the role and override mutation contracts.
//
// Every mutation leaves role positions unique per server, keeps the baseline
// role at position 0, and replaces grants and overrides wholesale instead of
// patching them.
package store

import (
	"context"
	"slices"
	"time"

	"github.com/samber/oops"

	"github.com/crystalchat/crystal/internal/access/policy/types"
)

// BaselineRoleName is the display name of the implicit everyone role.
const BaselineRoleName = "@everyone"

// Role is the persisted form of a server role.
type Role struct {
	ID          string
	ServerID    string
	Name        string
	Color       int
	Position    int
	Hoisted     bool
	Mentionable bool
	Grants      []types.Grant
	CreatedAt   time.Time
}

// IsBaseline reports whether r is the server's everyone role.
func (r *Role) IsBaseline() bool {
	return r.Position == types.BaselinePosition
}

// RoleSpec carries the display attributes of a role being created.
// Hoisted and Mentionable are never evaluated by the engine.
type RoleSpec struct {
	Name        string
	Color       int
	Hoisted     bool
	Mentionable bool
}

// Member is one profile's membership in one server.
type Member struct {
	ID         string
	ServerID   string
	ProfileID  string
	LegacyRole types.LegacyRole
	JoinedAt   time.Time
}

// SnapshotReader assembles the read-only view the engine evaluates.
type SnapshotReader interface {
	// Snapshot returns the member's roles (baseline included) with grants
	// and their non-expired overrides.
	Snapshot(ctx context.Context, serverID, memberID string) (types.Snapshot, error)
	// RolePosition returns the current position of a role.
	RolePosition(ctx context.Context, serverID, roleID string) (int, error)
}

// RoleMutator applies the role mutation contracts.
type RoleMutator interface {
	// CreateRole appends a role above every existing role with no grants.
	CreateRole(ctx context.Context, serverID string, spec RoleSpec) (*Role, error)
	// DeleteRole removes a role with its grants and assignments. The roles
	// above it move down so positions stay 1..n.
	DeleteRole(ctx context.Context, serverID, roleID string) error
	// ReorderRoles renumbers the complete set of non-baseline roles, given
	// lowest first, to positions 1..n in one atomic step.
	// With AsMember, roles at or above the member's highest role must keep
	// their place unless the member owns the server.
	ReorderRoles(ctx context.Context, serverID string, orderedIDs []string, opts ...ReorderOption) error
	// MoveRole places one role at position (1..n) and renumbers the rest.
	MoveRole(ctx context.Context, serverID, roleID string, position int, opts ...ReorderOption) error
	// SetRoleGrants replaces a role's grant list.
	SetRoleGrants(ctx context.Context, serverID, roleID string, grants []types.Grant) error
	// AssignRole gives a member a role. Assigning a held role is a no-op.
	AssignRole(ctx context.Context, serverID, memberID, roleID string) error
	// RevokeRole takes a role from a member. Revoking an unheld role is a no-op.
	RevokeRole(ctx context.Context, serverID, memberID, roleID string) error
	// ListRoles returns the server's roles ordered by position, highest first.
	ListRoles(ctx context.Context, serverID string) ([]*Role, error)
}

// OverrideMutator applies the member override contracts.
type OverrideMutator interface {
	// SetOverride replaces any override with the same key and returns the
	// stored record.
	SetOverride(ctx context.Context, serverID string, o types.Override) (types.Override, error)
	// ClearOverride removes the override with the given key, if any.
	ClearOverride(ctx context.Context, serverID string, key types.OverrideKey) error
}

// MembershipStore maintains the server and membership facts snapshots are
// built from. Channels and categories are owned elsewhere and registered
// here only so grant targets can be checked.
type MembershipStore interface {
	EnsureServer(ctx context.Context, serverID, ownerProfileID string) error
	AddMember(ctx context.Context, serverID, profileID string, legacy types.LegacyRole) (*Member, error)
	RemoveMember(ctx context.Context, serverID, memberID string) error
	RegisterTarget(ctx context.Context, serverID string, scope types.Scope, targetID string) error
}

// GrantStore is the full persistence surface.
type GrantStore interface {
	SnapshotReader
	RoleMutator
	OverrideMutator
	MembershipStore
}

// ReorderOption constrains ReorderRoles and MoveRole.
type ReorderOption func(*reorderOptions)

type reorderOptions struct {
	actorID string
}

func newReorderOptions(opts []ReorderOption) reorderOptions {
	var o reorderOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// AsMember applies the reorder on behalf of memberID. Against the order the
// reorder is applied to, the member's highest role and every role above it
// must keep their places, so every role that moves stays below the member.
// The server owner is not constrained.
func AsMember(memberID string) ReorderOption {
	return func(o *reorderOptions) { o.actorID = memberID }
}

// checkCeiling rejects a new order that disturbs the actor's highest held
// role or anything above it. current and ordered are lowest first; held is
// the set of roles the actor holds.
func checkCeiling(serverID, actorID string, current, ordered []string, held map[string]struct{}) error {
	top := -1
	for i, id := range current {
		if _, ok := held[id]; ok {
			top = i
		}
	}
	for k := max(top, 0); k < len(current); k++ {
		if ordered[k] != current[k] {
			return oops.Code(CodeRoleHierarchy).
				With("server_id", serverID).With("member_id", actorID).With("role_id", ordered[k]).
				Errorf("reorder would change roles at or above the member's highest role")
		}
	}
	return nil
}

// applyOrder validates that ordered is a permutation of current.
func applyOrder(current, ordered []string) error {
	if len(current) != len(ordered) {
		return oops.Code(CodeRoleOrderMismatch).
			With("expected", len(current)).With("got", len(ordered)).
			Errorf("role order must list every non-baseline role exactly once")
	}
	want := make(map[string]struct{}, len(current))
	for _, id := range current {
		want[id] = struct{}{}
	}
	for _, id := range ordered {
		if _, ok := want[id]; !ok {
			return oops.Code(CodeRoleOrderMismatch).With("role_id", id).
				Errorf("role order names an unknown or repeated role")
		}
		delete(want, id)
	}
	return nil
}

// moveInOrder returns current (lowest first) with roleID placed at the
// 1-based position, clamped into range.
func moveInOrder(current []string, roleID string, position int) ([]string, error) {
	idx := slices.Index(current, roleID)
	if idx < 0 {
		return nil, oops.Code(CodeRoleNotFound).With("role_id", roleID).Errorf("role not found")
	}
	out := slices.Delete(slices.Clone(current), idx, idx+1)
	at := min(max(position, 1), len(current)) - 1
	return slices.Insert(out, at, roleID), nil
}

func validateGrants(grants []types.Grant) error {
	for i, g := range grants {
		if err := g.Validate(); err != nil {
			return oops.With("grant_index", i).Wrap(err)
		}
	}
	return nil
}
