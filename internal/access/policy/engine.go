// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package policy

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/crystalchat/crystal/internal/access/policy/types"
)

// Engine resolves permission requests against member snapshots. It holds no
// mutable state; one Engine may serve any number of goroutines.
type Engine struct {
	now func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock sets the clock used to decide override expiry.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an Engine. The wall clock is used unless WithClock is given.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultEngine = NewEngine()

// Resolve evaluates req against snap with the wall clock.
func Resolve(snap types.Snapshot, req types.Request) types.Decision {
	return defaultEngine.Resolve(snap, req)
}

// Resolve evaluates req against snap. Precedence, first match wins:
// owner, member override, administrator role grant, role grants by
// seniority, legacy role table, default deny.
//
// A malformed request is a caller bug and panics.
func (e *Engine) Resolve(snap types.Snapshot, req types.Request) types.Decision {
	if err := req.Validate(); err != nil {
		panic(fmt.Sprintf("policy: resolve called with invalid request: %v", err))
	}

	if snap.IsOwner {
		return types.NewDecision(types.ReasonOwner, true, req, "")
	}

	if o, ok := e.matchOverride(snap.Overrides, req); ok {
		return types.NewDecision(types.ReasonUserOverride, o.Grant.Type == types.GrantAllow, req, o.ID)
	}

	if roleID, ok := administratorRole(snap.Roles); ok {
		return types.NewDecision(types.ReasonAdministrator, true, req, roleID)
	}

	for _, role := range bySeniority(snap.Roles) {
		if grant, ok := roleGrant(role, req); ok {
			return types.NewDecision(types.ReasonRole, grant == types.GrantAllow, req, role.ID)
		}
	}

	if types.LegacyAllows(snap.LegacyRole, req.Permission) {
		return types.NewDecision(types.ReasonLegacy, true, req, "")
	}

	return types.NewDecision(types.ReasonDenied, false, req, "")
}

// ResolveAll resolves every request against the same snapshot.
func (e *Engine) ResolveAll(snap types.Snapshot, reqs []types.Request) []types.Decision {
	out := make([]types.Decision, len(reqs))
	for i, req := range reqs {
		out[i] = e.Resolve(snap, req)
	}
	return out
}

// Effective returns the catalog permissions granted to snap at (scope, targetID),
// in catalog order.
func (e *Engine) Effective(snap types.Snapshot, scope types.Scope, targetID string) []types.Permission {
	var granted []types.Permission
	for _, p := range types.AllPermissions() {
		req := types.MustRequest(p, scope, targetID)
		if e.Resolve(snap, req).IsGranted() {
			granted = append(granted, p)
		}
	}
	return granted
}

// matchOverride picks the override that decides req: most specific scope,
// then most recent, then highest ID. Expired overrides are skipped even if
// the store failed to filter them.
func (e *Engine) matchOverride(overrides []types.Override, req types.Request) (types.Override, bool) {
	now := e.now()
	var best types.Override
	found := false
	for _, o := range overrides {
		if !o.Active(now) || o.Grant.Permission != req.Permission {
			continue
		}
		g := o.Grant
		if g.Scope != types.ScopeServer && !(g.Scope == req.Scope && g.TargetID == req.TargetID) {
			continue
		}
		if !found || overrideBeats(o, best) {
			best, found = o, true
		}
	}
	return best, found
}

func overrideBeats(a, b types.Override) bool {
	if c := cmp.Compare(a.Grant.Scope.Specificity(), b.Grant.Scope.Specificity()); c != 0 {
		return c > 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// administratorRole returns the first role holding a server-wide ADMINISTRATOR allow.
func administratorRole(roles []types.RoleGrants) (string, bool) {
	for _, r := range roles {
		for _, g := range r.Grants {
			if g.Type == types.GrantAllow && g.AppliesTo(types.PermAdministrator, types.ScopeServer, "") {
				return r.ID, true
			}
		}
	}
	return "", false
}

// bySeniority returns a copy of roles ordered most senior first with the
// baseline role last.
func bySeniority(roles []types.RoleGrants) []types.RoleGrants {
	sorted := slices.Clone(roles)
	slices.SortStableFunc(sorted, func(a, b types.RoleGrants) int {
		if a.IsBaseline() != b.IsBaseline() {
			if a.IsBaseline() {
				return 1
			}
			return -1
		}
		return cmp.Compare(b.Position, a.Position)
	})
	return sorted
}

// roleGrant finds the grant a single role contributes to req: an exact
// (scope, target) grant first, else a SERVER grant. Conflicting grants at
// the same specificity resolve to DENY.
func roleGrant(role types.RoleGrants, req types.Request) (types.GrantType, bool) {
	if g, ok := grantAt(role.Grants, req.Permission, req.Scope, req.TargetID); ok {
		return g, true
	}
	if req.Scope == types.ScopeServer {
		return "", false
	}
	return grantAt(role.Grants, req.Permission, types.ScopeServer, "")
}

func grantAt(grants []types.Grant, p types.Permission, scope types.Scope, targetID string) (types.GrantType, bool) {
	var result types.GrantType
	found := false
	for _, g := range grants {
		if !g.AppliesTo(p, scope, targetID) {
			continue
		}
		if g.Type == types.GrantDeny {
			return types.GrantDeny, true
		}
		result, found = g.Type, true
	}
	return result, found
}
