// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

// Package api exposes the permission engine over HTTP: catalog lookups,
// single and batch checks, effective permission listings, and role and
// override management guarded by the role hierarchy.
package api

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/crystalchat/crystal/internal/access/policy/store"
	"github.com/crystalchat/crystal/internal/access/policy/types"
	"github.com/crystalchat/crystal/internal/observability"
)

// bodyLimit caps request bodies; the largest legitimate body is a grant list.
const bodyLimit = "256K"

// Evaluator answers permission and hierarchy questions. *policy.Evaluator
// implements it.
type Evaluator interface {
	Check(ctx context.Context, serverID, memberID string, req types.Request) (types.Decision, error)
	CheckAll(ctx context.Context, serverID, memberID string, reqs []types.Request) ([]types.Decision, error)
	Effective(ctx context.Context, serverID, memberID string, scope types.Scope, targetID string) ([]types.Permission, error)
	CanManage(ctx context.Context, serverID, actorID, targetID string, action types.Action) (bool, error)
	CanAssignRole(ctx context.Context, serverID, actorID, targetID, roleID string) (bool, error)
	CanEditRole(ctx context.Context, serverID, actorID, roleID string) (bool, error)
	CanMoveRole(ctx context.Context, serverID, actorID, roleID string, position int) (bool, error)
}

// Store applies role and override mutations.
type Store interface {
	store.RoleMutator
	store.OverrideMutator
}

// Dependencies holds what the handlers need.
type Dependencies struct {
	Evaluator Evaluator
	Store     Store
	// Metrics is optional.
	Metrics *observability.Metrics
}

// New returns an echo instance with every route and middleware installed.
func New(deps Dependencies) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler

	e.Use(
		ObserveMiddleware(deps.Metrics),
		middleware.Recover(),
		middleware.BodyLimit(bodyLimit),
		ActorMiddleware(),
		CatalogVersionMiddleware(),
	)

	SetupRouter(e, deps)
	return e
}

// SetupRouter registers all API routes on e.
func SetupRouter(e *echo.Echo, deps Dependencies) {
	checks := NewCheckHandler(deps.Evaluator)
	roles := NewRoleHandler(deps.Evaluator, deps.Store)
	overrides := NewOverrideHandler(deps.Evaluator, deps.Store)

	v1 := e.Group("/v1")
	v1.GET("/catalog", GetCatalog)

	srv := v1.Group("/servers/:server")

	// Reads
	srv.GET("/roles", roles.ListRoles)
	srv.GET("/members/:member/permissions", checks.Effective)
	srv.GET("/members/:member/permissions/:permission", checks.Check)
	srv.POST("/members/:member/permissions/check", checks.CheckBatch)

	// Management
	manageRoles := RequirePermission(deps.Evaluator, types.PermManageRoles)
	srv.POST("/roles", roles.CreateRole, manageRoles)
	srv.DELETE("/roles/:role", roles.DeleteRole, manageRoles)
	srv.PUT("/roles/order", roles.ReorderRoles, manageRoles)
	srv.PUT("/roles/:role/position", roles.MoveRole, manageRoles)
	srv.PUT("/roles/:role/grants", roles.SetGrants, manageRoles)

	actor := RequireActor()
	srv.PUT("/members/:member/roles/:role", roles.AssignRole, actor)
	srv.DELETE("/members/:member/roles/:role", roles.RevokeRole, actor)
	srv.PUT("/members/:member/overrides", overrides.SetOverride, actor)
	srv.DELETE("/members/:member/overrides", overrides.ClearOverride, actor)
}
