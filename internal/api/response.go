// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/crystalchat/crystal/internal/access/policy/store"
	"github.com/crystalchat/crystal/pkg/errutil"
)

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error code and message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorJSON(c echo.Context, status int, code, message string) error {
	return c.JSON(status, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

func forbidden(c echo.Context) error {
	return errorJSON(c, http.StatusForbidden, "FORBIDDEN", "you do not have permission to perform this action")
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch {
	case code == store.CodeServerNotFound, code == store.CodeMemberNotFound, code == store.CodeRoleNotFound:
		return http.StatusNotFound
	case code == store.CodeRoleHierarchy:
		return http.StatusForbidden
	case code == store.CodeBaselineImmutable, code == store.CodeRoleOrderMismatch,
		code == store.CodeMemberAlreadyExists, code == store.CodeReorderRetryExhausted,
		code == "CATALOG_INCOMPATIBLE":
		return http.StatusConflict
	case strings.HasPrefix(code, "INVALID_"), code == store.CodeScopeTargetInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// mapError writes err as an error envelope. Internal failures are logged and
// reported without detail.
func mapError(c echo.Context, err error) error {
	code := errutil.Code(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		errutil.LogErrorContext(c.Request().Context(), slog.Default(), "request failed", err)
		return errorJSON(c, status, "INTERNAL", "internal server error")
	}
	return errorJSON(c, status, code, err.Error())
}

// httpErrorHandler renders echo's own errors (unknown routes, bad methods,
// middleware rejections) in the same envelope.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		_ = errorJSON(c, he.Code, strings.ToUpper(strings.ReplaceAll(http.StatusText(he.Code), " ", "_")), msg) //nolint:errcheck // response already failing
		return
	}
	_ = mapError(c, err) //nolint:errcheck // response already failing
}
