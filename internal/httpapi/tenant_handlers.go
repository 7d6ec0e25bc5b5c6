package httpapi

import (
	"net/http"

	"tenantgate.org/internal/auth"
)

func (a *API) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.gate(w, r, auth.RoleUser)
	if !ok {
		return
	}
	tenant, err := a.creds.GetTenant(r.Context(), claims.TenantID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

// handleDeleteTenant removes the caller's tenant once every other user has
// been deactivated.
func (a *API) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.gate(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	if err := a.creds.DeleteTenant(r.Context(), claims.TenantID, claims.UserID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	if err := a.tokens.Revoke(r.Context(), claims); err != nil {
		// the tenant is gone; its tokens fail subject checks anyway
		a.audit(r.Context(), "auth.revoke_failed", map[string]any{"error": err.Error()})
	}
	a.audit(r.Context(), "tenant.deleted", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.gate(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	stats, err := a.creds.TenantStats(r.Context(), claims.TenantID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
