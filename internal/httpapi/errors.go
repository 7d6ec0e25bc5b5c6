package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
)

const (
	detailInvalidLogin       = "Invalid username or password"
	detailInvalidToken       = "Could not validate credentials"
	detailForbidden          = "Insufficient permissions"
	detailRateLimited        = "Rate limit exceeded"
	detailUnavailable        = "Service temporarily unavailable"
	detailInternal           = "Internal server error"
	detailNotFound           = "Resource not found"
	unavailableRetryAfterSec = "5"
)

type errorResponse struct {
	Detail    string `json:"detail"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, detail string) {
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, code, errorResponse{
		Detail:    detail,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

func userNotFound(id string) string {
	return fmt.Sprintf("User with id '%s' not found", id)
}

// handleAuthError maps the auth error taxonomy onto HTTP. Details stay coarse:
// nothing distinguishes a wrong password from a missing user, or a foreign
// tenant's resource from a missing one.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, detailOf(err, auth.ErrInvalidInput))
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, detailInvalidLogin)
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, detailInvalidToken)
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, detailForbidden)
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, detailNotFound)
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, detailOf(err, auth.ErrConflict))
	case errors.Is(err, auth.ErrRateLimited):
		writeError(w, r, http.StatusTooManyRequests, detailRateLimited)
	case errors.Is(err, auth.ErrUnavailable):
		obs.Logger().Warn("dependency unavailable",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.Error(err))
		w.Header().Set("Retry-After", unavailableRetryAfterSec)
		writeError(w, r, http.StatusServiceUnavailable, detailUnavailable)
	default:
		obs.Logger().Error("request failed",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, detailInternal)
	}
}

// detailOf returns err's message without the sentinel prefix.
func detailOf(err, sentinel error) string {
	msg := err.Error()
	if rest, ok := strings.CutPrefix(msg, sentinel.Error()+": "); ok && rest != "" {
		return rest
	}
	return strings.TrimPrefix(sentinel.Error(), "auth: ")
}
