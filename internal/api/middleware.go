// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/crystalchat/crystal/internal/access/policy/types"
	"github.com/crystalchat/crystal/internal/observability"
)

// Request headers.
const (
	// HeaderMemberID names the acting member. Authentication happens in front
	// of this service; the header is trusted.
	HeaderMemberID = "X-Member-ID"
	// HeaderCatalogVersion carries the catalog version a client was built
	// against. Responses always carry the server's.
	HeaderCatalogVersion = "X-Catalog-Version"
)

const actorKey = "actor_id"

// ActorMiddleware copies X-Member-ID into the context. It never rejects.
func ActorMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if id := c.Request().Header.Get(HeaderMemberID); id != "" {
				c.Set(actorKey, id)
			}
			return next(c)
		}
	}
}

// actorID returns the acting member, or "" for anonymous requests.
func actorID(c echo.Context) string {
	id, _ := c.Get(actorKey).(string)
	return id
}

// RequireActor rejects requests without an acting member.
func RequireActor() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if actorID(c) == "" {
				return errorJSON(c, http.StatusUnauthorized, "UNAUTHENTICATED", HeaderMemberID+" header is required")
			}
			return next(c)
		}
	}
}

// RequirePermission checks that the actor holds perm at server scope in the
// server named by the :server route param.
func RequirePermission(ev Evaluator, perm types.Permission) echo.MiddlewareFunc {
	req := types.MustRequest(perm, types.ScopeServer, "")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := actorID(c)
			if actor == "" {
				return errorJSON(c, http.StatusUnauthorized, "UNAUTHENTICATED", HeaderMemberID+" header is required")
			}
			d, err := ev.Check(c.Request().Context(), c.Param("server"), actor, req)
			if err != nil {
				return mapError(c, err)
			}
			if !d.IsGranted() {
				return forbidden(c)
			}
			return next(c)
		}
	}
}

// CatalogVersionMiddleware rejects clients whose catalog is incompatible
// with the server's and stamps the server's version on every response.
func CatalogVersionMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set(HeaderCatalogVersion, types.CatalogVersion)
			if v := c.Request().Header.Get(HeaderCatalogVersion); v != "" {
				if err := types.CheckCatalogCompatibility(v); err != nil {
					return mapError(c, err)
				}
			}
			return next(c)
		}
	}
}

// ObserveMiddleware logs each request and records it in m, which may be nil.
func ObserveMiddleware(m *observability.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			took := time.Since(start)

			req := c.Request()
			status := c.Response().Status
			route := c.Path()
			if m != nil {
				m.ObserveRequest(req.Method, route, status, took)
			}
			slog.DebugContext(req.Context(), "api request",
				"method", req.Method,
				"route", route,
				"status", status,
				"actor_id", actorID(c),
				"duration", took,
			)
			return nil
		}
	}
}
