package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
)

type registerRequest struct {
	TenantName    string `json:"tenant_name"`
	AdminEmail    string `json:"admin_email"`
	AdminUsername string `json:"admin_username"`
	AdminPassword string `json:"admin_password"`
}

type registerResponse struct {
	Message     string `json:"message"`
	TenantID    string `json:"tenant_id"`
	AdminUserID string `json:"admin_user_id"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TenantID string `json:"tenant_id,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

func newTokenResponse(pair auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    pair.ExpiresIn,
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.reg.Register(r.Context(), auth.TenantRegistration{
		TenantName:    req.TenantName,
		AdminEmail:    req.AdminEmail,
		AdminUsername: req.AdminUsername,
		AdminPassword: req.AdminPassword,
	})
	if err != nil {
		obs.ObserveRegistration(resultLabel(err))
		handleAuthError(w, r, err)
		return
	}
	obs.ObserveRegistration("success")

	writeJSON(w, http.StatusCreated, registerResponse{
		Message:     "Tenant registered successfully",
		TenantID:    res.TenantID,
		AdminUserID: res.AdminUserID,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, err := a.creds.VerifyCredentials(r.Context(), req.TenantID, req.Username, req.Password)
	if err != nil {
		obs.ObserveLogin(resultLabel(err))
		if errors.Is(err, auth.ErrInvalidCredentials) {
			a.audit(r.Context(), "auth.login.failed", map[string]any{
				"username": strings.TrimSpace(req.Username),
			})
		}
		handleAuthError(w, r, err)
		return
	}
	pair, err := a.tokens.IssuePair(user)
	if err != nil {
		obs.ObserveLogin("error")
		handleAuthError(w, r, err)
		return
	}
	obs.ObserveLogin("success")
	a.audit(r.Context(), "auth.login", map[string]any{
		"user_id":   user.ID,
		"tenant_id": user.TenantID,
	})
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := a.tokens.Refresh(r.Context(), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

// handleLogout revokes the presented access token and, when supplied, the
// caller's refresh token.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsOrNil(r)
	if claims == nil {
		handleAuthError(w, r, auth.ErrUnauthorized)
		return
	}

	var req refreshRequest
	if hasBody(r) {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	var refresh *auth.Claims
	if token := strings.TrimSpace(req.RefreshToken); token != "" {
		rc, err := a.tokens.ValidateRefresh(token)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		if rc.UserID != claims.UserID {
			handleAuthError(w, r, auth.ErrInvalidToken)
			return
		}
		refresh = rc
	}

	if err := a.tokens.Revoke(r.Context(), claims); err != nil {
		handleAuthError(w, r, err)
		return
	}
	if refresh != nil {
		if err := a.tokens.Revoke(r.Context(), refresh); err != nil {
			handleAuthError(w, r, err)
			return
		}
	}
	a.audit(r.Context(), "auth.logout", map[string]any{
		"refresh_revoked": refresh != nil,
	})
	writeJSON(w, http.StatusOK, messageResponse{Message: "Successfully logged out"})
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, auth.ErrConflict):
		return "conflict"
	case errors.Is(err, auth.ErrUnauthorized):
		return "failure"
	default:
		return "error"
	}
}
