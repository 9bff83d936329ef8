// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/crystalchat/crystal/internal/access/policy/types"
)

// OverrideHandler handles member overrides.
type OverrideHandler struct {
	ev    Evaluator
	store Store
}

// NewOverrideHandler creates an OverrideHandler.
func NewOverrideHandler(ev Evaluator, s Store) *OverrideHandler {
	return &OverrideHandler{ev: ev, store: s}
}

type setOverrideRequest struct {
	Permission types.Permission `json:"permission"`
	Type       types.GrantType  `json:"type"`
	Scope      types.Scope      `json:"scope"`
	TargetID   string           `json:"target_id"`
	Reason     string           `json:"reason"`
	ExpiresAt  *time.Time       `json:"expires_at"`
}

// guard writes a 403 (or the lookup error) and returns false unless the actor
// may set overrides on the :member route param.
func (h *OverrideHandler) guard(c echo.Context) (bool, error) {
	ok, err := h.ev.CanManage(c.Request().Context(), c.Param("server"), actorID(c), c.Param("member"), types.ActionSetOverride)
	if err != nil {
		return false, mapError(c, err)
	}
	if !ok {
		return false, forbidden(c)
	}
	return true, nil
}

// SetOverride handles PUT /v1/servers/:server/members/:member/overrides. An
// override with the same permission, scope and target is replaced.
func (h *OverrideHandler) SetOverride(c echo.Context) error {
	var req setOverrideRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}
	if req.Scope == "" {
		req.Scope = types.ScopeServer
	}
	if ok, err := h.guard(c); !ok {
		return err
	}

	o, err := h.store.SetOverride(c.Request().Context(), c.Param("server"), types.Override{
		MemberID: c.Param("member"),
		Grant: types.Grant{
			Permission: req.Permission,
			Type:       req.Type,
			Scope:      req.Scope,
			TargetID:   req.TargetID,
		},
		AssignedBy: actorID(c),
		Reason:     req.Reason,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

// ClearOverride handles DELETE
// /v1/servers/:server/members/:member/overrides?permission=&scope=&target=.
// Clearing an absent override succeeds.
func (h *OverrideHandler) ClearOverride(c echo.Context) error {
	perm, err := types.ParsePermission(c.QueryParam("permission"))
	if err != nil {
		return mapError(c, err)
	}
	scope, target, err := scopeParams(c)
	if err != nil {
		return mapError(c, err)
	}
	if ok, err := h.guard(c); !ok {
		return err
	}

	key := types.OverrideKey{
		MemberID:   c.Param("member"),
		Permission: perm,
		Scope:      scope,
		TargetID:   target,
	}
	if err := h.store.ClearOverride(c.Request().Context(), c.Param("server"), key); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
