// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package policy

import (
	"github.com/crystalchat/crystal/internal/access/policy/types"
)

// Rank is the highest role position a member holds. A member holding only
// the baseline role has rank 0.
func Rank(snap types.Snapshot) int {
	rank := types.BaselinePosition
	for _, r := range snap.Roles {
		rank = max(rank, r.Position)
	}
	return rank
}

// CanManage reports whether actor may perform action on target.
func CanManage(actor, target types.Snapshot, action types.Action) bool {
	return defaultEngine.CanManage(actor, target, action)
}

// CanAssignRole reports whether actor may give target a role at rolePosition.
func CanAssignRole(actor, target types.Snapshot, rolePosition int) bool {
	return defaultEngine.CanAssignRole(actor, target, rolePosition)
}

// CanManage reports whether actor may perform action on target. The owner
// may act on anyone but themselves. Everyone else needs a strictly higher
// rank than the target and the action's capability at server scope. Nobody
// but the owner acts on the owner.
func (e *Engine) CanManage(actor, target types.Snapshot, action types.Action) bool {
	capability, ok := action.Capability()
	if !ok {
		return false
	}
	if actor.MemberID == target.MemberID || actor.ServerID != target.ServerID {
		return false
	}
	if actor.IsOwner {
		return true
	}
	if target.IsOwner {
		return false
	}
	if Rank(actor) <= Rank(target) {
		return false
	}
	return e.Resolve(actor, types.MustRequest(capability, types.ScopeServer, "")).IsGranted()
}

// CanAssignRole is CanManage for ASSIGN_ROLE plus the escalation guard: a
// non-owner may only hand out roles strictly below their own rank.
func (e *Engine) CanAssignRole(actor, target types.Snapshot, rolePosition int) bool {
	if !e.CanManage(actor, target, types.ActionAssignRole) {
		return false
	}
	return actor.IsOwner || rolePosition < Rank(actor)
}
