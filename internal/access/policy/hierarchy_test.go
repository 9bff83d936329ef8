// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crystalchat/crystal/internal/access/policy/types"
)

func ranked(id string, rank int, grants ...types.Grant) types.Snapshot {
	if rank == 0 {
		return member(id)
	}
	return member(id, role(id+"-role", rank, grants...))
}

func TestRank(t *testing.T) {
	assert.Equal(t, 0, Rank(member("m")))
	assert.Equal(t, 0, Rank(types.Snapshot{MemberID: "bare"}), "no roles at all still ranks at baseline")
	assert.Equal(t, 12, Rank(member("m", role("a", 3), role("b", 12), role("c", 7))))
}

func TestCanManage_Hierarchy(t *testing.T) {
	e := fixedEngine()
	actor := ranked("actor", 10, allow(types.PermKickMembers))

	tests := []struct {
		name   string
		target types.Snapshot
		want   bool
	}{
		{"lower rank", ranked("t5", 5), true},
		{"baseline only", ranked("t0", 0), true},
		{"equal rank", ranked("t10", 10), false},
		{"higher rank", ranked("t15", 15), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.CanManage(actor, tt.target, types.ActionKick))
		})
	}
}

func TestCanManage_RequiresCapability(t *testing.T) {
	e := fixedEngine()
	actor := ranked("actor", 10, allow(types.PermKickMembers))
	target := ranked("target", 2)

	assert.True(t, e.CanManage(actor, target, types.ActionKick))
	assert.False(t, e.CanManage(actor, target, types.ActionBan), "rank alone is not enough")

	admin := ranked("admin", 10, allow(types.PermAdministrator))
	assert.True(t, e.CanManage(admin, target, types.ActionBan))

	denied := actor
	denied.Overrides = []types.Override{override("o", deny(types.PermKickMembers), testNow)}
	assert.False(t, e.CanManage(denied, target, types.ActionKick))
}

func TestCanManage_Owner(t *testing.T) {
	e := fixedEngine()
	owner := member("owner")
	owner.IsOwner = true

	admin := ranked("admin", 99, allow(types.PermAdministrator))
	assert.True(t, e.CanManage(owner, admin, types.ActionBan), "owner manages administrators")
	assert.False(t, e.CanManage(admin, owner, types.ActionBan), "nobody but the owner manages the owner")
	assert.False(t, e.CanManage(owner, owner, types.ActionKick), "owner cannot target themselves")
}

func TestCanManage_Self(t *testing.T) {
	e := fixedEngine()
	actor := ranked("actor", 10, allow(types.PermAdministrator))
	assert.False(t, e.CanManage(actor, actor, types.ActionEditNickname))
}

func TestCanManage_CrossServer(t *testing.T) {
	e := fixedEngine()
	actor := ranked("actor", 10, allow(types.PermAdministrator))
	target := ranked("target", 1)
	target.ServerID = "elsewhere"
	assert.False(t, e.CanManage(actor, target, types.ActionKick))
}

func TestCanManage_UnknownAction(t *testing.T) {
	owner := member("owner")
	owner.IsOwner = true
	assert.False(t, fixedEngine().CanManage(owner, member("t"), types.Action("LAUNCH")))
}

func TestCanAssignRole_EscalationGuard(t *testing.T) {
	e := fixedEngine()
	actor := ranked("actor", 10, allow(types.PermManageRoles))
	target := ranked("target", 0)

	assert.True(t, e.CanAssignRole(actor, target, 9))
	assert.True(t, e.CanAssignRole(actor, target, 1))
	assert.False(t, e.CanAssignRole(actor, target, 10), "own level")
	assert.False(t, e.CanAssignRole(actor, target, 15), "above own level")

	peer := ranked("peer", 10)
	assert.False(t, e.CanAssignRole(actor, peer, 3), "rank check still applies")

	noCap := ranked("nocap", 10)
	assert.False(t, e.CanAssignRole(noCap, target, 3))
}

func TestCanAssignRole_OwnerIsNotBoundByRank(t *testing.T) {
	e := fixedEngine()
	owner := member("owner")
	owner.IsOwner = true
	assert.True(t, e.CanAssignRole(owner, ranked("target", 5), 50))
}

func TestPackageLevelGuards(t *testing.T) {
	actor := ranked("actor", 10, allow(types.PermManageRoles))
	target := ranked("target", 1)
	assert.True(t, CanManage(actor, target, types.ActionEditRole))
	assert.True(t, CanAssignRole(actor, target, 4))
	assert.False(t, CanAssignRole(actor, target, 10))
}
