// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/crystalchat/crystal/internal/access/policy/types"
)

type memServer struct {
	mu        sync.Mutex
	id        string
	ownerID   string
	roles     map[string]*Role
	members   map[string]*Member
	assigned  map[string]map[string]struct{} // member -> roles
	overrides map[string][]types.Override    // member -> overrides
	targets   map[types.Scope]map[string]struct{}
}

// MemoryStore is an in-process GrantStore. Each server has its own lock, so
// mutations on different servers never contend.
type MemoryStore struct {
	mu      sync.RWMutex
	servers map[string]*memServer
	owners  map[types.Scope]map[string]string // target -> server, guarded by mu
	now     func() time.Time
	notify  func(serverID string)
}

var _ GrantStore = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock sets the clock used for timestamps and expiry filtering.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithChangeHook registers a callback invoked after every committed mutation
// with the affected server ID.
func WithChangeHook(fn func(serverID string)) MemoryOption {
	return func(s *MemoryStore) { s.notify = fn }
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		servers: make(map[string]*memServer),
		owners:  make(map[types.Scope]map[string]string),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) server(serverID string) (*memServer, error) {
	s.mu.RLock()
	srv, ok := s.servers[serverID]
	s.mu.RUnlock()
	if !ok {
		return nil, oops.Code(CodeServerNotFound).With("server_id", serverID).Errorf("server not found")
	}
	return srv, nil
}

// mutate runs fn under the server lock and fires the change hook on success.
func (s *MemoryStore) mutate(serverID string, fn func(srv *memServer) error) error {
	srv, err := s.server(serverID)
	if err != nil {
		return err
	}
	srv.mu.Lock()
	err = fn(srv)
	srv.mu.Unlock()
	if err == nil && s.notify != nil {
		s.notify(serverID)
	}
	return err
}

// EnsureServer creates the server and its baseline role if missing.
func (s *MemoryStore) EnsureServer(_ context.Context, serverID, ownerProfileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[serverID]; ok {
		return nil
	}
	baseline := &Role{
		ID:        ulid.Make().String(),
		ServerID:  serverID,
		Name:      BaselineRoleName,
		Position:  types.BaselinePosition,
		CreatedAt: s.now(),
	}
	s.servers[serverID] = &memServer{
		id:        serverID,
		ownerID:   ownerProfileID,
		roles:     map[string]*Role{baseline.ID: baseline},
		members:   make(map[string]*Member),
		assigned:  make(map[string]map[string]struct{}),
		overrides: make(map[string][]types.Override),
		targets:   make(map[types.Scope]map[string]struct{}),
	}
	return nil
}

// AddMember creates a membership for profileID.
func (s *MemoryStore) AddMember(_ context.Context, serverID, profileID string, legacy types.LegacyRole) (*Member, error) {
	if !legacy.Valid() {
		return nil, oops.Code("INVALID_LEGACY_ROLE").With("legacy_role", legacy).Errorf("unknown legacy role")
	}
	var m *Member
	err := s.mutate(serverID, func(srv *memServer) error {
		for _, existing := range srv.members {
			if existing.ProfileID == profileID {
				return oops.Code(CodeMemberAlreadyExists).
					With("server_id", serverID).With("profile_id", profileID).
					Errorf("profile is already a member")
			}
		}
		m = &Member{
			ID:         ulid.Make().String(),
			ServerID:   serverID,
			ProfileID:  profileID,
			LegacyRole: legacy,
			JoinedAt:   s.now(),
		}
		srv.members[m.ID] = m
		srv.assigned[m.ID] = make(map[string]struct{})
		return nil
	})
	if err != nil {
		return nil, err
	}
	cp := *m
	return &cp, nil
}

// RemoveMember deletes the membership with its assignments and overrides.
func (s *MemoryStore) RemoveMember(_ context.Context, serverID, memberID string) error {
	return s.mutate(serverID, func(srv *memServer) error {
		if _, ok := srv.members[memberID]; !ok {
			return memberNotFound(serverID, memberID)
		}
		delete(srv.members, memberID)
		delete(srv.assigned, memberID)
		delete(srv.overrides, memberID)
		return nil
	})
}

// RegisterTarget records a channel or category as belonging to the server.
// Registering a target another server already owns fails with
// SCOPE_TARGET_INVALID.
func (s *MemoryStore) RegisterTarget(_ context.Context, serverID string, scope types.Scope, targetID string) error {
	if scope == types.ScopeServer || !scope.Valid() || targetID == "" {
		return oops.Code(CodeScopeTargetInvalid).With("scope", scope).With("target_id", targetID).
			Errorf("only channel and category targets can be registered")
	}
	if _, err := s.server(serverID); err != nil {
		return err
	}

	s.mu.Lock()
	owner, taken := s.owners[scope][targetID]
	if !taken {
		if s.owners[scope] == nil {
			s.owners[scope] = make(map[string]string)
		}
		s.owners[scope][targetID] = serverID
	}
	s.mu.Unlock()
	if taken && owner != serverID {
		return targetTaken(serverID, scope, targetID)
	}

	return s.mutate(serverID, func(srv *memServer) error {
		if srv.targets[scope] == nil {
			srv.targets[scope] = make(map[string]struct{})
		}
		srv.targets[scope][targetID] = struct{}{}
		return nil
	})
}

// Snapshot assembles the member's view as of now.
func (s *MemoryStore) Snapshot(_ context.Context, serverID, memberID string) (types.Snapshot, error) {
	srv, err := s.server(serverID)
	if err != nil {
		return types.Snapshot{}, err
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()

	m, ok := srv.members[memberID]
	if !ok {
		return types.Snapshot{}, memberNotFound(serverID, memberID)
	}
	now := s.now()
	snap := types.Snapshot{
		ServerID:   serverID,
		MemberID:   memberID,
		IsOwner:    m.ProfileID == srv.ownerID,
		LegacyRole: m.LegacyRole,
		Roles:      []types.RoleGrants{},
		Overrides:  []types.Override{},
		FetchedAt:  now,
	}
	for _, r := range srv.roles {
		if _, held := srv.assigned[memberID][r.ID]; !held && !r.IsBaseline() {
			continue
		}
		snap.Roles = append(snap.Roles, types.RoleGrants{
			ID:       r.ID,
			Name:     r.Name,
			Position: r.Position,
			Grants:   slices.Clone(r.Grants),
		})
	}
	slices.SortFunc(snap.Roles, func(a, b types.RoleGrants) int { return cmp.Compare(b.Position, a.Position) })
	for _, o := range srv.overrides[memberID] {
		if o.Active(now) {
			snap.Overrides = append(snap.Overrides, o)
		}
	}
	return snap, nil
}

// RolePosition returns the role's current position.
func (s *MemoryStore) RolePosition(_ context.Context, serverID, roleID string) (int, error) {
	srv, err := s.server(serverID)
	if err != nil {
		return 0, err
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	r, ok := srv.roles[roleID]
	if !ok {
		return 0, roleNotFound(serverID, roleID)
	}
	return r.Position, nil
}

// ListRoles returns copies of the server's roles, highest first.
func (s *MemoryStore) ListRoles(_ context.Context, serverID string) ([]*Role, error) {
	srv, err := s.server(serverID)
	if err != nil {
		return nil, err
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]*Role, 0, len(srv.roles))
	for _, r := range srv.roles {
		cp := *r
		cp.Grants = slices.Clone(r.Grants)
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *Role) int { return cmp.Compare(b.Position, a.Position) })
	return out, nil
}

// CreateRole appends a role above every existing role.
func (s *MemoryStore) CreateRole(_ context.Context, serverID string, spec RoleSpec) (*Role, error) {
	var created *Role
	err := s.mutate(serverID, func(srv *memServer) error {
		top := types.BaselinePosition
		for _, r := range srv.roles {
			top = max(top, r.Position)
		}
		created = &Role{
			ID:          ulid.Make().String(),
			ServerID:    serverID,
			Name:        spec.Name,
			Color:       spec.Color,
			Position:    top + 1,
			Hoisted:     spec.Hoisted,
			Mentionable: spec.Mentionable,
			Grants:      []types.Grant{},
			CreatedAt:   s.now(),
		}
		srv.roles[created.ID] = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	cp := *created
	return &cp, nil
}

// DeleteRole removes the role, its grants and every assignment of it. The
// roles above it move down one place so positions stay 1..n.
func (s *MemoryStore) DeleteRole(_ context.Context, serverID, roleID string) error {
	return s.mutate(serverID, func(srv *memServer) error {
		r, ok := srv.roles[roleID]
		if !ok {
			return roleNotFound(serverID, roleID)
		}
		if r.IsBaseline() {
			return baselineImmutable(serverID, roleID)
		}
		delete(srv.roles, roleID)
		for _, held := range srv.assigned {
			delete(held, roleID)
		}
		srv.renumber(srv.order())
		return nil
	})
}

// ReorderRoles renumbers every non-baseline role in one step.
func (s *MemoryStore) ReorderRoles(_ context.Context, serverID string, orderedIDs []string, opts ...ReorderOption) error {
	o := newReorderOptions(opts)
	return s.mutate(serverID, func(srv *memServer) error {
		if err := srv.rejectBaseline(orderedIDs); err != nil {
			return err
		}
		current := srv.order()
		if err := applyOrder(current, orderedIDs); err != nil {
			return err
		}
		if err := srv.checkCeiling(o.actorID, current, orderedIDs); err != nil {
			return err
		}
		srv.renumber(orderedIDs)
		return nil
	})
}

// MoveRole places roleID at position and renumbers the other roles.
func (s *MemoryStore) MoveRole(_ context.Context, serverID, roleID string, position int, opts ...ReorderOption) error {
	o := newReorderOptions(opts)
	return s.mutate(serverID, func(srv *memServer) error {
		if err := srv.rejectBaseline([]string{roleID}); err != nil {
			return err
		}
		current := srv.order()
		ordered, err := moveInOrder(current, roleID, position)
		if err != nil {
			return oops.With("server_id", serverID).Wrap(err)
		}
		if err := srv.checkCeiling(o.actorID, current, ordered); err != nil {
			return err
		}
		srv.renumber(ordered)
		return nil
	})
}

// SetRoleGrants replaces the role's grant list.
func (s *MemoryStore) SetRoleGrants(_ context.Context, serverID, roleID string, grants []types.Grant) error {
	if err := validateGrants(grants); err != nil {
		return err
	}
	return s.mutate(serverID, func(srv *memServer) error {
		r, ok := srv.roles[roleID]
		if !ok {
			return roleNotFound(serverID, roleID)
		}
		for _, g := range grants {
			if err := srv.checkTarget(g); err != nil {
				return err
			}
		}
		r.Grants = slices.Clone(grants)
		return nil
	})
}

// AssignRole gives memberID the role. Holding it already is fine.
func (s *MemoryStore) AssignRole(_ context.Context, serverID, memberID, roleID string) error {
	return s.mutate(serverID, func(srv *memServer) error {
		r, err := srv.memberRole(memberID, roleID)
		if err != nil {
			return err
		}
		if r.IsBaseline() {
			return nil
		}
		srv.assigned[memberID][roleID] = struct{}{}
		return nil
	})
}

// RevokeRole takes the role from memberID. Not holding it is fine.
func (s *MemoryStore) RevokeRole(_ context.Context, serverID, memberID, roleID string) error {
	return s.mutate(serverID, func(srv *memServer) error {
		if _, err := srv.memberRole(memberID, roleID); err != nil {
			return err
		}
		delete(srv.assigned[memberID], roleID)
		return nil
	})
}

// SetOverride stores o as a new record, replacing any override with the same key.
func (s *MemoryStore) SetOverride(_ context.Context, serverID string, o types.Override) (types.Override, error) {
	if err := o.Grant.Validate(); err != nil {
		return types.Override{}, err
	}
	err := s.mutate(serverID, func(srv *memServer) error {
		if _, ok := srv.members[o.MemberID]; !ok {
			return memberNotFound(serverID, o.MemberID)
		}
		if err := srv.checkTarget(o.Grant); err != nil {
			return err
		}
		o.ID = ulid.Make().String()
		o.CreatedAt = s.now()
		key := o.Key()
		kept := slices.DeleteFunc(srv.overrides[o.MemberID], func(existing types.Override) bool {
			return existing.Key() == key
		})
		srv.overrides[o.MemberID] = append(kept, o)
		return nil
	})
	if err != nil {
		return types.Override{}, err
	}
	return o, nil
}

// ClearOverride removes the override with key. A missing override is fine.
func (s *MemoryStore) ClearOverride(_ context.Context, serverID string, key types.OverrideKey) error {
	return s.mutate(serverID, func(srv *memServer) error {
		if _, ok := srv.members[key.MemberID]; !ok {
			return memberNotFound(serverID, key.MemberID)
		}
		srv.overrides[key.MemberID] = slices.DeleteFunc(srv.overrides[key.MemberID], func(existing types.Override) bool {
			return existing.Key() == key
		})
		return nil
	})
}

// order returns non-baseline role IDs lowest position first.
func (srv *memServer) order() []string {
	roles := make([]*Role, 0, len(srv.roles))
	for _, r := range srv.roles {
		if !r.IsBaseline() {
			roles = append(roles, r)
		}
	}
	slices.SortFunc(roles, func(a, b *Role) int { return cmp.Compare(a.Position, b.Position) })
	ids := make([]string, len(roles))
	for i, r := range roles {
		ids[i] = r.ID
	}
	return ids
}

func (srv *memServer) renumber(ordered []string) {
	for i, id := range ordered {
		srv.roles[id].Position = i + 1
	}
}

func (srv *memServer) checkCeiling(actorID string, current, ordered []string) error {
	if actorID == "" {
		return nil
	}
	m, ok := srv.members[actorID]
	if !ok {
		return memberNotFound(srv.id, actorID)
	}
	if m.ProfileID == srv.ownerID {
		return nil
	}
	return checkCeiling(srv.id, actorID, current, ordered, srv.assigned[actorID])
}

func (srv *memServer) rejectBaseline(ids []string) error {
	for _, id := range ids {
		if r, ok := srv.roles[id]; ok && r.IsBaseline() {
			return baselineImmutable(srv.id, id)
		}
	}
	return nil
}

func (srv *memServer) memberRole(memberID, roleID string) (*Role, error) {
	if _, ok := srv.members[memberID]; !ok {
		return nil, memberNotFound(srv.id, memberID)
	}
	r, ok := srv.roles[roleID]
	if !ok {
		return nil, roleNotFound(srv.id, roleID)
	}
	return r, nil
}

func (srv *memServer) checkTarget(g types.Grant) error {
	if g.Scope == types.ScopeServer {
		return nil
	}
	if _, ok := srv.targets[g.Scope][g.TargetID]; !ok {
		return scopeTargetInvalid(srv.id, g)
	}
	return nil
}

func targetTaken(serverID string, scope types.Scope, targetID string) error {
	return oops.Code(CodeScopeTargetInvalid).
		With("server_id", serverID).With("scope", scope).With("target_id", targetID).
		Errorf("target belongs to another server")
}

func memberNotFound(serverID, memberID string) error {
	return oops.Code(CodeMemberNotFound).With("server_id", serverID).With("member_id", memberID).
		Errorf("member not found")
}

func roleNotFound(serverID, roleID string) error {
	return oops.Code(CodeRoleNotFound).With("server_id", serverID).With("role_id", roleID).
		Errorf("role not found")
}

func baselineImmutable(serverID, roleID string) error {
	return oops.Code(CodeBaselineImmutable).With("server_id", serverID).With("role_id", roleID).
		Errorf("the baseline role cannot be deleted or repositioned")
}

func scopeTargetInvalid(serverID string, g types.Grant) error {
	return oops.Code(CodeScopeTargetInvalid).
		With("server_id", serverID).With("scope", g.Scope).With("target_id", g.TargetID).
		Errorf("grant target does not belong to this server")
}
