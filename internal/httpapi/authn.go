package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// requireAuth authenticates the bearer token and stores its claims in the
// request context. Every failure answers with the same 401 body.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			obs.ObserveTokenValidation("missing")
			writeError(w, r, http.StatusUnauthorized, detailInvalidToken)
			return
		}

		claims, err := a.authn.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				obs.ObserveTokenValidation("invalid")
			} else {
				obs.ObserveTokenValidation("error")
			}
			handleAuthError(w, r, err)
			return
		}
		obs.ObserveTokenValidation("valid")

		ctx := auth.ContextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// gate authorizes the caller for an operation on its own tenant.
func (a *API) gate(w http.ResponseWriter, r *http.Request, required auth.Role) (*auth.Claims, bool) {
	claims := claimsOrNil(r)
	tenantID := ""
	if claims != nil {
		tenantID = claims.TenantID
	}
	if err := a.guard.Authorize(claims, tenantID, required); err != nil {
		handleAuthError(w, r, err)
		return nil, false
	}
	return claims, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
