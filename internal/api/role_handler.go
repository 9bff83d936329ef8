// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/crystalchat/crystal/internal/access/policy/store"
	"github.com/crystalchat/crystal/internal/access/policy/types"
)

// RoleHandler handles role management and role assignment.
type RoleHandler struct {
	ev    Evaluator
	store Store
}

// NewRoleHandler creates a RoleHandler.
func NewRoleHandler(ev Evaluator, s Store) *RoleHandler {
	return &RoleHandler{ev: ev, store: s}
}

type roleResponse struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Color       int           `json:"color"`
	Position    int           `json:"position"`
	Hoisted     bool          `json:"hoisted"`
	Mentionable bool          `json:"mentionable"`
	Grants      []types.Grant `json:"grants"`
	CreatedAt   time.Time     `json:"created_at"`
}

func newRoleResponse(r *store.Role) roleResponse {
	grants := r.Grants
	if grants == nil {
		grants = []types.Grant{}
	}
	return roleResponse{
		ID:          r.ID,
		Name:        r.Name,
		Color:       r.Color,
		Position:    r.Position,
		Hoisted:     r.Hoisted,
		Mentionable: r.Mentionable,
		Grants:      grants,
		CreatedAt:   r.CreatedAt,
	}
}

// ListRoles handles GET /v1/servers/:server/roles. Highest position first.
func (h *RoleHandler) ListRoles(c echo.Context) error {
	roles, err := h.store.ListRoles(c.Request().Context(), c.Param("server"))
	if err != nil {
		return mapError(c, err)
	}
	out := make([]roleResponse, len(roles))
	for i, r := range roles {
		out[i] = newRoleResponse(r)
	}
	return c.JSON(http.StatusOK, out)
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Color       int    `json:"color"`
	Hoisted     bool   `json:"hoisted"`
	Mentionable bool   `json:"mentionable"`
}

// CreateRole handles POST /v1/servers/:server/roles. New roles start above
// every existing role with no grants.
func (h *RoleHandler) CreateRole(c echo.Context) error {
	var req createRoleRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}
	if req.Name == "" {
		return errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "role name is required")
	}

	role, err := h.store.CreateRole(c.Request().Context(), c.Param("server"), store.RoleSpec{
		Name:        req.Name,
		Color:       req.Color,
		Hoisted:     req.Hoisted,
		Mentionable: req.Mentionable,
	})
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusCreated, newRoleResponse(role))
}

// guardEdit writes a 403 (or the lookup error) and returns false unless the
// actor may edit the :role route param.
func (h *RoleHandler) guardEdit(c echo.Context) (bool, error) {
	ok, err := h.ev.CanEditRole(c.Request().Context(), c.Param("server"), actorID(c), c.Param("role"))
	if err != nil {
		return false, mapError(c, err)
	}
	if !ok {
		return false, forbidden(c)
	}
	return true, nil
}

// DeleteRole handles DELETE /v1/servers/:server/roles/:role.
func (h *RoleHandler) DeleteRole(c echo.Context) error {
	if ok, err := h.guardEdit(c); !ok {
		return err
	}
	if err := h.store.DeleteRole(c.Request().Context(), c.Param("server"), c.Param("role")); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type setGrantsRequest struct {
	Grants []types.Grant `json:"grants"`
}

// SetGrants handles PUT /v1/servers/:server/roles/:role/grants. The list
// replaces the role's grants.
func (h *RoleHandler) SetGrants(c echo.Context) error {
	var req setGrantsRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}
	if ok, err := h.guardEdit(c); !ok {
		return err
	}
	if ok, err := h.guardGrants(c, req.Grants); !ok {
		return err
	}
	if err := h.store.SetRoleGrants(c.Request().Context(), c.Param("server"), c.Param("role"), req.Grants); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// guardGrants writes a 403 and returns false when grants would allow
// something the actor is not allowed at the same scope. Deny grants and
// malformed grants pass through; the store rejects the latter.
func (h *RoleHandler) guardGrants(c echo.Context, grants []types.Grant) (bool, error) {
	var reqs []types.Request
	for _, g := range grants {
		if g.Type != types.GrantAllow || g.Validate() != nil {
			continue
		}
		req, err := types.NewRequest(g.Permission, g.Scope, g.TargetID)
		if err != nil {
			continue
		}
		reqs = append(reqs, req)
	}
	if len(reqs) == 0 {
		return true, nil
	}

	decisions, err := h.ev.CheckAll(c.Request().Context(), c.Param("server"), actorID(c), reqs)
	if err != nil {
		return false, mapError(c, err)
	}
	for _, d := range decisions {
		if !d.IsGranted() {
			return false, forbidden(c)
		}
	}
	return true, nil
}

type moveRoleRequest struct {
	Position int `json:"position"`
}

// MoveRole handles PUT /v1/servers/:server/roles/:role/position.
func (h *RoleHandler) MoveRole(c echo.Context) error {
	var req moveRoleRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}
	ctx := c.Request().Context()
	serverID, roleID := c.Param("server"), c.Param("role")

	ok, err := h.ev.CanMoveRole(ctx, serverID, actorID(c), roleID, req.Position)
	if err != nil {
		return mapError(c, err)
	}
	if !ok {
		return forbidden(c)
	}
	if err := h.store.MoveRole(ctx, serverID, roleID, req.Position, store.AsMember(actorID(c))); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type reorderRequest struct {
	// RoleIDs lists every non-baseline role, lowest first.
	RoleIDs []string `json:"role_ids"`
}

// ReorderRoles handles PUT /v1/servers/:server/roles/order. Every role whose
// position changes must be movable by the actor to its new position.
func (h *RoleHandler) ReorderRoles(c echo.Context) error {
	var req reorderRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}
	ctx := c.Request().Context()
	serverID := c.Param("server")

	roles, err := h.store.ListRoles(ctx, serverID)
	if err != nil {
		return mapError(c, err)
	}
	current := make(map[string]int, len(roles))
	for _, r := range roles {
		current[r.ID] = r.Position
	}

	for i, id := range req.RoleIDs {
		was, known := current[id]
		if !known || was == i+1 {
			// Unknown IDs are left for the store to reject.
			continue
		}
		ok, err := h.ev.CanMoveRole(ctx, serverID, actorID(c), id, i+1)
		if err != nil {
			return mapError(c, err)
		}
		if !ok {
			return forbidden(c)
		}
	}

	if err := h.store.ReorderRoles(ctx, serverID, req.RoleIDs, store.AsMember(actorID(c))); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// AssignRole handles PUT /v1/servers/:server/members/:member/roles/:role.
func (h *RoleHandler) AssignRole(c echo.Context) error {
	ctx := c.Request().Context()
	serverID, memberID, roleID := c.Param("server"), c.Param("member"), c.Param("role")

	ok, err := h.ev.CanAssignRole(ctx, serverID, actorID(c), memberID, roleID)
	if err != nil {
		return mapError(c, err)
	}
	if !ok {
		return forbidden(c)
	}
	if err := h.store.AssignRole(ctx, serverID, memberID, roleID); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RevokeRole handles DELETE /v1/servers/:server/members/:member/roles/:role.
// The actor must outrank both the member and the role.
func (h *RoleHandler) RevokeRole(c echo.Context) error {
	ctx := c.Request().Context()
	serverID, memberID, roleID := c.Param("server"), c.Param("member"), c.Param("role")

	ok, err := h.ev.CanManage(ctx, serverID, actorID(c), memberID, types.ActionRevokeRole)
	if err != nil {
		return mapError(c, err)
	}
	if ok {
		ok, err = h.ev.CanEditRole(ctx, serverID, actorID(c), roleID)
		if err != nil {
			return mapError(c, err)
		}
	}
	if !ok {
		return forbidden(c)
	}
	if err := h.store.RevokeRole(ctx, serverID, memberID, roleID); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
