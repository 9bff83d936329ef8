// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystalchat/crystal/pkg/errutil"
)

func TestReason_String(t *testing.T) {
	tests := []struct {
		name     string
		reason   Reason
		expected string
	}{
		{"denied", ReasonDenied, "DENIED"},
		{"owner", ReasonOwner, "OWNER"},
		{"user override", ReasonUserOverride, "USER_OVERRIDE"},
		{"administrator", ReasonAdministrator, "ADMINISTRATOR"},
		{"role", ReasonRole, "ROLE"},
		{"legacy", ReasonLegacy, "LEGACY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.reason.String())
		})
	}
}

func TestReason_String_OutOfRange(t *testing.T) {
	assert.Equal(t, "unknown(-1)", Reason(-1).String())
	assert.Equal(t, "unknown(42)", Reason(42).String())
}

func TestReason_TextEncoding(t *testing.T) {
	data, err := json.Marshal(map[string]Reason{"reason": ReasonUserOverride})
	require.NoError(t, err)
	assert.JSONEq(t, `{"reason":"USER_OVERRIDE"}`, string(data))

	var out map[string]Reason
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, ReasonUserOverride, out["reason"])

	var r Reason
	err = r.UnmarshalText([]byte("MAYBE"))
	errutil.AssertErrorCode(t, err, "INVALID_REASON")
}

func TestNewDecision_Invariant(t *testing.T) {
	req := MustRequest(PermSendMessages, ScopeServer, "")
	tests := []struct {
		name            string
		reason          Reason
		granted         bool
		expectedGranted bool
	}{
		{"owner always grants", ReasonOwner, false, true},
		{"administrator always grants", ReasonAdministrator, false, true},
		{"legacy always grants", ReasonLegacy, false, true},
		{"denied never grants", ReasonDenied, true, false},
		{"override allow", ReasonUserOverride, true, true},
		{"override deny", ReasonUserOverride, false, false},
		{"role allow", ReasonRole, true, true},
		{"role deny", ReasonRole, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecision(tt.reason, tt.granted, req, "src")
			assert.Equal(t, tt.expectedGranted, d.IsGranted())
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, PermSendMessages, d.Permission)
			require.NoError(t, d.Validate())
		})
	}
}

func TestDecision_Validate_DetectsViolation(t *testing.T) {
	tests := []struct {
		name     string
		decision Decision
	}{
		{"owner not granted", Decision{granted: false, Reason: ReasonOwner}},
		{"administrator not granted", Decision{granted: false, Reason: ReasonAdministrator}},
		{"legacy not granted", Decision{granted: false, Reason: ReasonLegacy}},
		{"denied but granted", Decision{granted: true, Reason: ReasonDenied}},
		{"unknown reason", Decision{granted: true, Reason: Reason(99)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.decision.Validate())
		})
	}
}

func TestDecision_String(t *testing.T) {
	d := NewDecision(ReasonRole, false, MustRequest(PermSendMessages, ScopeChannel, "c1"), "r1")
	assert.Equal(t, "denied SEND_MESSAGES@CHANNEL:c1 (ROLE)", d.String())

	d = NewDecision(ReasonOwner, true, MustRequest(PermBanMembers, ScopeServer, ""), "")
	assert.Equal(t, "granted BAN_MEMBERS@SERVER (OWNER)", d.String())
}

func TestNewRequest(t *testing.T) {
	t.Run("defaults to server scope", func(t *testing.T) {
		req, err := NewRequest(PermViewChannels, "", "")
		require.NoError(t, err)
		assert.Equal(t, ScopeServer, req.Scope)
	})

	t.Run("server scope drops target", func(t *testing.T) {
		req, err := NewRequest(PermViewChannels, ScopeServer, "c1")
		require.NoError(t, err)
		assert.Empty(t, req.TargetID)
	})

	t.Run("channel scope requires target", func(t *testing.T) {
		_, err := NewRequest(PermViewChannels, ScopeChannel, "")
		errutil.AssertErrorCode(t, err, "INVALID_REQUEST")
	})

	t.Run("unknown permission", func(t *testing.T) {
		_, err := NewRequest(Permission("FLY"), ScopeServer, "")
		errutil.AssertErrorCode(t, err, "INVALID_REQUEST")
	})

	t.Run("unknown scope", func(t *testing.T) {
		_, err := NewRequest(PermViewChannels, Scope("GUILD"), "x")
		errutil.AssertErrorCode(t, err, "INVALID_REQUEST")
	})

	t.Run("must request panics on invalid input", func(t *testing.T) {
		assert.Panics(t, func() { MustRequest(PermViewChannels, ScopeCategory, "") })
	})
}

func TestGrant_Validate(t *testing.T) {
	tests := []struct {
		name    string
		grant   Grant
		wantErr bool
	}{
		{"server allow", Grant{PermSendMessages, GrantAllow, ScopeServer, ""}, false},
		{"channel deny", Grant{PermSendMessages, GrantDeny, ScopeChannel, "c1"}, false},
		{"category allow", Grant{PermViewChannels, GrantAllow, ScopeCategory, "k1"}, false},
		{"channel without target", Grant{PermSendMessages, GrantDeny, ScopeChannel, ""}, true},
		{"server with target", Grant{PermSendMessages, GrantAllow, ScopeServer, "c1"}, true},
		{"unknown permission", Grant{"FLY", GrantAllow, ScopeServer, ""}, true},
		{"unknown type", Grant{PermSendMessages, "MAYBE", ScopeServer, ""}, true},
		{"unknown scope", Grant{PermSendMessages, GrantAllow, "GUILD", "x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.grant.Validate()
			if tt.wantErr {
				errutil.AssertErrorCode(t, err, "INVALID_GRANT")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestOverride_Active(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	assert.True(t, Override{}.Active(now), "no expiry never lapses")
	assert.False(t, Override{ExpiresAt: &past}.Active(now))
	assert.True(t, Override{ExpiresAt: &future}.Active(now))
	assert.False(t, Override{ExpiresAt: &now}.Active(now), "expiry instant is already inert")
}

func TestOverride_Key(t *testing.T) {
	o := Override{
		ID:       "o1",
		MemberID: "m1",
		Grant:    Grant{PermSpeak, GrantDeny, ScopeChannel, "voice-1"},
		Reason:   "noise",
	}
	assert.Equal(t, OverrideKey{"m1", PermSpeak, ScopeChannel, "voice-1"}, o.Key())
}

func TestSnapshot_Validate(t *testing.T) {
	valid := Snapshot{
		ServerID:   "s1",
		MemberID:   "m1",
		LegacyRole: LegacyGuest,
		Roles: []RoleGrants{
			{ID: "everyone", Position: 0},
			{ID: "mod", Position: 3, Grants: []Grant{{PermKickMembers, GrantAllow, ScopeServer, ""}}},
		},
	}
	require.NoError(t, valid.Validate())

	dup := valid
	dup.Roles = append([]RoleGrants{}, valid.Roles...)
	dup.Roles = append(dup.Roles, RoleGrants{ID: "other", Position: 3})
	errutil.AssertErrorCode(t, dup.Validate(), "INVALID_SNAPSHOT")

	noLegacy := valid
	noLegacy.LegacyRole = ""
	errutil.AssertErrorCode(t, noLegacy.Validate(), "INVALID_SNAPSHOT")

	badOverride := valid
	badOverride.Overrides = []Override{{ID: "o1", Grant: Grant{PermSpeak, GrantDeny, ScopeChannel, ""}}}
	errutil.AssertErrorCode(t, badOverride.Validate(), "INVALID_SNAPSHOT")
}
