// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package types

import (
	"slices"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// CatalogVersion is the version of the permission vocabulary below. Adding a
// permission is a minor bump; renaming or removing one is a major bump.
const CatalogVersion = "1.0.0"

// Permission is one capability from the closed catalog.
type Permission string

// Permission catalog.
const (
	PermAdministrator          Permission = "ADMINISTRATOR"
	PermViewChannels           Permission = "VIEW_CHANNELS"
	PermManageChannels         Permission = "MANAGE_CHANNELS"
	PermManageRoles            Permission = "MANAGE_ROLES"
	PermManageServer           Permission = "MANAGE_SERVER"
	PermViewAuditLog           Permission = "VIEW_AUDIT_LOG"
	PermViewServerInsights     Permission = "VIEW_SERVER_INSIGHTS"
	PermManageWebhooks         Permission = "MANAGE_WEBHOOKS"
	PermManageEmojis           Permission = "MANAGE_EMOJIS"
	PermManageEvents           Permission = "MANAGE_EVENTS"
	PermCreateInvite           Permission = "CREATE_INVITE"
	PermChangeNickname         Permission = "CHANGE_NICKNAME"
	PermManageNicknames        Permission = "MANAGE_NICKNAMES"
	PermKickMembers            Permission = "KICK_MEMBERS"
	PermBanMembers             Permission = "BAN_MEMBERS"
	PermTimeoutMembers         Permission = "TIMEOUT_MEMBERS"
	PermSendMessages           Permission = "SEND_MESSAGES"
	PermSendMessagesInThreads  Permission = "SEND_MESSAGES_IN_THREADS"
	PermCreatePublicThreads    Permission = "CREATE_PUBLIC_THREADS"
	PermCreatePrivateThreads   Permission = "CREATE_PRIVATE_THREADS"
	PermEmbedLinks             Permission = "EMBED_LINKS"
	PermAttachFiles            Permission = "ATTACH_FILES"
	PermAddReactions           Permission = "ADD_REACTIONS"
	PermUseExternalEmojis      Permission = "USE_EXTERNAL_EMOJIS"
	PermMentionEveryone        Permission = "MENTION_EVERYONE"
	PermManageMessages         Permission = "MANAGE_MESSAGES"
	PermManageThreads          Permission = "MANAGE_THREADS"
	PermReadMessageHistory     Permission = "READ_MESSAGE_HISTORY"
	PermSendTTSMessages        Permission = "SEND_TTS_MESSAGES"
	PermUseApplicationCommands Permission = "USE_APPLICATION_COMMANDS"
	PermConnect                Permission = "CONNECT"
	PermSpeak                  Permission = "SPEAK"
	PermVideo                  Permission = "VIDEO"
	PermUseVoiceActivity       Permission = "USE_VOICE_ACTIVITY"
	PermPrioritySpeaker        Permission = "PRIORITY_SPEAKER"
	PermMuteMembers            Permission = "MUTE_MEMBERS"
	PermDeafenMembers          Permission = "DEAFEN_MEMBERS"
	PermMoveMembers            Permission = "MOVE_MEMBERS"
	PermRequestToSpeak         Permission = "REQUEST_TO_SPEAK"
	PermManageStage            Permission = "MANAGE_STAGE"
)

// catalog is the declaration order shared with every UI listing.
var catalog = []Permission{
	PermAdministrator,
	PermViewChannels,
	PermManageChannels,
	PermManageRoles,
	PermManageServer,
	PermViewAuditLog,
	PermViewServerInsights,
	PermManageWebhooks,
	PermManageEmojis,
	PermManageEvents,
	PermCreateInvite,
	PermChangeNickname,
	PermManageNicknames,
	PermKickMembers,
	PermBanMembers,
	PermTimeoutMembers,
	PermSendMessages,
	PermSendMessagesInThreads,
	PermCreatePublicThreads,
	PermCreatePrivateThreads,
	PermEmbedLinks,
	PermAttachFiles,
	PermAddReactions,
	PermUseExternalEmojis,
	PermMentionEveryone,
	PermManageMessages,
	PermManageThreads,
	PermReadMessageHistory,
	PermSendTTSMessages,
	PermUseApplicationCommands,
	PermConnect,
	PermSpeak,
	PermVideo,
	PermUseVoiceActivity,
	PermPrioritySpeaker,
	PermMuteMembers,
	PermDeafenMembers,
	PermMoveMembers,
	PermRequestToSpeak,
	PermManageStage,
}

var catalogIndex = func() map[Permission]struct{} {
	m := make(map[Permission]struct{}, len(catalog))
	for _, p := range catalog {
		m[p] = struct{}{}
	}
	return m
}()

// AllPermissions returns the catalog in declaration order.
func AllPermissions() []Permission {
	return slices.Clone(catalog)
}

// Valid reports whether p is a catalog member.
func (p Permission) Valid() bool {
	_, ok := catalogIndex[p]
	return ok
}

func (p Permission) String() string { return string(p) }

// ParsePermission converts a raw string into a catalog permission.
func ParsePermission(s string) (Permission, error) {
	p := Permission(s)
	if !p.Valid() {
		return "", oops.Code("INVALID_PERMISSION").With("permission", s).Errorf("unknown permission %q", s)
	}
	return p, nil
}

// MatchPermissions returns the catalog entries matching a glob pattern such
// as "MANAGE_*". An empty pattern matches everything.
func MatchPermissions(pattern string) ([]Permission, error) {
	if pattern == "" {
		return AllPermissions(), nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, oops.Code("INVALID_PATTERN").With("pattern", pattern).Wrap(err)
	}
	var out []Permission
	for _, p := range catalog {
		if g.Match(string(p)) {
			out = append(out, p)
		}
	}
	return out, nil
}

// CheckCatalogCompatibility verifies that a collaborator built against
// clientVersion can share this catalog: same major version, not newer.
func CheckCatalogCompatibility(clientVersion string) error {
	client, err := semver.StrictNewVersion(clientVersion)
	if err != nil {
		return oops.Code("INVALID_CATALOG_VERSION").With("version", clientVersion).Wrap(err)
	}
	current := semver.MustParse(CatalogVersion)
	if client.Major() != current.Major() || client.GreaterThan(current) {
		return oops.Code("CATALOG_INCOMPATIBLE").
			With("client_version", clientVersion).
			With("catalog_version", CatalogVersion).
			Errorf("catalog version %s is not compatible with %s", clientVersion, CatalogVersion)
	}
	return nil
}

// Scope is the breadth a grant applies to.
type Scope string

// Scope values.
const (
	ScopeServer   Scope = "SERVER"
	ScopeChannel  Scope = "CHANNEL"
	ScopeCategory Scope = "CATEGORY"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeServer, ScopeChannel, ScopeCategory:
		return true
	}
	return false
}

// Specificity orders scopes: CHANNEL and CATEGORY outrank SERVER.
func (s Scope) Specificity() int {
	if s == ScopeServer {
		return 0
	}
	return 1
}

func (s Scope) String() string { return string(s) }

// ParseScope converts a raw string into a Scope.
func ParseScope(s string) (Scope, error) {
	sc := Scope(s)
	if !sc.Valid() {
		return "", oops.Code("INVALID_SCOPE").With("scope", s).Errorf("unknown scope %q", s)
	}
	return sc, nil
}

// GrantType is the effect a grant or override declares.
type GrantType string

// GrantType values.
const (
	GrantAllow GrantType = "ALLOW"
	GrantDeny  GrantType = "DENY"
)

// Valid reports whether g is ALLOW or DENY.
func (g GrantType) Valid() bool {
	return g == GrantAllow || g == GrantDeny
}

func (g GrantType) String() string { return string(g) }

// ParseGrantType converts a raw string into a GrantType.
func ParseGrantType(s string) (GrantType, error) {
	g := GrantType(s)
	if !g.Valid() {
		return "", oops.Code("INVALID_GRANT_TYPE").With("grant_type", s).Errorf("unknown grant type %q", s)
	}
	return g, nil
}

// LegacyRole is the pre-role-system membership tier.
type LegacyRole string

// LegacyRole values.
const (
	LegacyAdmin     LegacyRole = "ADMIN"
	LegacyModerator LegacyRole = "MODERATOR"
	LegacyGuest     LegacyRole = "GUEST"
)

// Valid reports whether r is a known legacy role.
func (r LegacyRole) Valid() bool {
	switch r {
	case LegacyAdmin, LegacyModerator, LegacyGuest:
		return true
	}
	return false
}

func (r LegacyRole) String() string { return string(r) }

// ParseLegacyRole converts a raw string into a LegacyRole.
func ParseLegacyRole(s string) (LegacyRole, error) {
	r := LegacyRole(s)
	if !r.Valid() {
		return "", oops.Code("INVALID_LEGACY_ROLE").With("legacy_role", s).Errorf("unknown legacy role %q", s)
	}
	return r, nil
}

var legacyGrants = map[LegacyRole]map[Permission]struct{}{
	LegacyModerator: {
		PermManageMessages: {},
		PermManageThreads:  {},
		PermManageChannels: {},
		PermMuteMembers:    {},
		PermDeafenMembers:  {},
		PermMoveMembers:    {},
		PermManageStage:    {},
	},
	LegacyGuest: {
		PermViewChannels:   {},
		PermSendMessages:   {},
		PermConnect:        {},
		PermRequestToSpeak: {},
	},
}

// LegacyAllows reports whether the static legacy table grants p to r.
// ADMIN is an implicit administrator and holds everything.
func LegacyAllows(r LegacyRole, p Permission) bool {
	if r == LegacyAdmin {
		return true
	}
	_, ok := legacyGrants[r][p]
	return ok
}

// Action is an administrative act one member performs on another.
type Action string

// Action values.
const (
	ActionKick         Action = "KICK"
	ActionBan          Action = "BAN"
	ActionTimeout      Action = "TIMEOUT"
	ActionAssignRole   Action = "ASSIGN_ROLE"
	ActionRevokeRole   Action = "REVOKE_ROLE"
	ActionEditRole     Action = "EDIT_ROLE"
	ActionSetOverride  Action = "SET_OVERRIDE"
	ActionEditNickname Action = "EDIT_NICKNAME"
)

var actionCapabilities = map[Action]Permission{
	ActionKick:         PermKickMembers,
	ActionBan:          PermBanMembers,
	ActionTimeout:      PermTimeoutMembers,
	ActionAssignRole:   PermManageRoles,
	ActionRevokeRole:   PermManageRoles,
	ActionEditRole:     PermManageRoles,
	ActionSetOverride:  PermManageRoles,
	ActionEditNickname: PermManageNicknames,
}

// Capability returns the permission an actor needs to perform a.
func (a Action) Capability() (Permission, bool) {
	p, ok := actionCapabilities[a]
	return p, ok
}

// ParseAction converts a raw string into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := actionCapabilities[a]; !ok {
		return "", oops.Code("INVALID_ACTION").With("action", s).Errorf("unknown action %q", s)
	}
	return a, nil
}
