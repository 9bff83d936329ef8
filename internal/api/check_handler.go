// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/samber/oops"

	"github.com/crystalchat/crystal/internal/access/policy/types"
)

// maxBatchChecks bounds one batch request.
const maxBatchChecks = 100

type catalogResponse struct {
	Version     string             `json:"version"`
	Permissions []types.Permission `json:"permissions"`
}

// GetCatalog handles GET /v1/catalog?match=GLOB.
func GetCatalog(c echo.Context) error {
	perms, err := types.MatchPermissions(c.QueryParam("match"))
	if err != nil {
		return mapError(c, err)
	}
	if perms == nil {
		perms = []types.Permission{}
	}
	return c.JSON(http.StatusOK, catalogResponse{Version: types.CatalogVersion, Permissions: perms})
}

// CheckHandler serves permission checks and listings.
type CheckHandler struct {
	ev Evaluator
}

// NewCheckHandler creates a CheckHandler.
func NewCheckHandler(ev Evaluator) *CheckHandler {
	return &CheckHandler{ev: ev}
}

type decisionResponse struct {
	Permission types.Permission `json:"permission"`
	Scope      types.Scope      `json:"scope"`
	TargetID   string           `json:"target_id,omitempty"`
	Granted    bool             `json:"granted"`
	Reason     types.Reason     `json:"reason"`
	SourceID   string           `json:"source_id,omitempty"`
}

func newDecisionResponse(d types.Decision) decisionResponse {
	return decisionResponse{
		Permission: d.Permission,
		Scope:      d.Scope,
		TargetID:   d.TargetID,
		Granted:    d.IsGranted(),
		Reason:     d.Reason,
		SourceID:   d.SourceID,
	}
}

// scopeParams reads ?scope=&target=. An empty scope means SERVER.
func scopeParams(c echo.Context) (types.Scope, string, error) {
	raw := c.QueryParam("scope")
	if raw == "" {
		return types.ScopeServer, "", nil
	}
	scope, err := types.ParseScope(raw)
	if err != nil {
		return "", "", err
	}
	return scope, c.QueryParam("target"), nil
}

// Check handles GET /v1/servers/:server/members/:member/permissions/:permission.
func (h *CheckHandler) Check(c echo.Context) error {
	perm, err := types.ParsePermission(c.Param("permission"))
	if err != nil {
		return mapError(c, err)
	}
	scope, target, err := scopeParams(c)
	if err != nil {
		return mapError(c, err)
	}
	req, err := types.NewRequest(perm, scope, target)
	if err != nil {
		return mapError(c, err)
	}

	d, err := h.ev.Check(c.Request().Context(), c.Param("server"), c.Param("member"), req)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, newDecisionResponse(d))
}

type batchCheckRequest struct {
	Checks []types.Request `json:"checks"`
}

type batchCheckResponse struct {
	Results []decisionResponse `json:"results"`
}

// CheckBatch handles POST /v1/servers/:server/members/:member/permissions/check.
// Results are in request order.
func (h *CheckHandler) CheckBatch(c echo.Context) error {
	var body batchCheckRequest
	if err := c.Bind(&body); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}
	if len(body.Checks) == 0 || len(body.Checks) > maxBatchChecks {
		return mapError(c, oops.Code("INVALID_REQUEST").With("count", len(body.Checks)).
			Errorf("a batch holds 1 to %d checks", maxBatchChecks))
	}

	reqs := make([]types.Request, len(body.Checks))
	for i, raw := range body.Checks {
		req, err := types.NewRequest(raw.Permission, raw.Scope, raw.TargetID)
		if err != nil {
			return mapError(c, oops.With("index", i).Wrap(err))
		}
		reqs[i] = req
	}

	decisions, err := h.ev.CheckAll(c.Request().Context(), c.Param("server"), c.Param("member"), reqs)
	if err != nil {
		return mapError(c, err)
	}
	resp := batchCheckResponse{Results: make([]decisionResponse, len(decisions))}
	for i, d := range decisions {
		resp.Results[i] = newDecisionResponse(d)
	}
	return c.JSON(http.StatusOK, resp)
}

type effectiveResponse struct {
	Scope       types.Scope        `json:"scope"`
	TargetID    string             `json:"target_id,omitempty"`
	Permissions []types.Permission `json:"permissions"`
}

// Effective handles GET /v1/servers/:server/members/:member/permissions.
func (h *CheckHandler) Effective(c echo.Context) error {
	scope, target, err := scopeParams(c)
	if err != nil {
		return mapError(c, err)
	}
	perms, err := h.ev.Effective(c.Request().Context(), c.Param("server"), c.Param("member"), scope, target)
	if err != nil {
		return mapError(c, err)
	}
	if perms == nil {
		perms = []types.Permission{}
	}
	if scope == types.ScopeServer {
		target = ""
	}
	return c.JSON(http.StatusOK, effectiveResponse{Scope: scope, TargetID: target, Permissions: perms})
}
