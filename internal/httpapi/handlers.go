// Package httpapi exposes the identity core over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/config"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/ratelimit"
)

const readyTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the dependencies a request needs. Nil fields are skipped.
type ReadyProbe struct {
	Store Pinger
	Redis redis.UniversalClient
}

// Check returns the first dependency failure.
func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store != nil {
		if err := rp.Store.Ping(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Resetter wipes all stored state. Only the in-memory store implements it.
type Resetter interface {
	Reset()
}

// Deps wires the API to its collaborators.
type Deps struct {
	Config        *config.Config
	Credentials   *auth.CredentialService
	Registration  *auth.RegistrationFlow
	Authenticator *auth.Authenticator
	// Limiter enforces the per-identity request budget. Nil disables it.
	Limiter ratelimit.Limiter
	Ready   ReadyProbe
	// Resetter backs POST /test/reset when testing.reset_enabled is set. The
	// limiter's counters are cleared too when it supports that.
	Resetter Resetter
	Version  string
}

// API is the HTTP layer.
type API struct {
	router  *mux.Router
	cfg     *config.Config
	creds   *auth.CredentialService
	reg     *auth.RegistrationFlow
	authn   *auth.Authenticator
	tokens  *auth.TokenService
	guard   auth.Guard
	limiter ratelimit.Limiter
	ready   ReadyProbe
	reset   Resetter
	version string
	now     func() time.Time
}

// New builds the API and its routes.
func New(d Deps) (*API, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("httpapi: config is required")
	case d.Credentials == nil:
		return nil, errors.New("httpapi: credential service is required")
	case d.Registration == nil:
		return nil, errors.New("httpapi: registration flow is required")
	case d.Authenticator == nil:
		return nil, errors.New("httpapi: authenticator is required")
	}
	a := &API{
		router:  mux.NewRouter(),
		cfg:     d.Config,
		creds:   d.Credentials,
		reg:     d.Registration,
		authn:   d.Authenticator,
		tokens:  d.Authenticator.Tokens(),
		limiter: d.Limiter,
		ready:   d.Ready,
		reset:   d.Resetter,
		version: d.Version,
		now:     time.Now,
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	r := a.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.Use(obs.Instrument)

	r.HandleFunc("/health", a.Health).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)
	if a.reset != nil && a.cfg.Testing.ResetEnabled {
		r.HandleFunc("/test/reset", a.handleReset).Methods(http.MethodPost)
	}

	limited := r.NewRoute().Subrouter()
	if a.limiter != nil {
		limited.Use(a.rateLimit)
	}
	limited.HandleFunc("/auth/register", a.handleRegister).Methods(http.MethodPost)
	limited.HandleFunc("/auth/login", a.handleLogin).Methods(http.MethodPost)
	limited.HandleFunc("/auth/refresh", a.handleRefresh).Methods(http.MethodPost)
	limited.Handle("/auth/logout", a.requireAuth(http.HandlerFunc(a.handleLogout))).Methods(http.MethodPost)

	v1 := limited.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.requireAuth)
	v1.HandleFunc("/users", a.handleCreateUser).Methods(http.MethodPost)
	v1.HandleFunc("/users", a.handleListUsers).Methods(http.MethodGet)
	v1.HandleFunc("/users/bulk", a.handleBulkCreateUsers).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}", a.handleGetUser).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}", a.handleUpdateUser).Methods(http.MethodPut)
	v1.HandleFunc("/users/{id}", a.handleDeleteUser).Methods(http.MethodDelete)
	v1.HandleFunc("/tenant", a.handleGetTenant).Methods(http.MethodGet)
	v1.HandleFunc("/tenant", a.handleDeleteTenant).Methods(http.MethodDelete)
	v1.HandleFunc("/admin/stats", a.handleStats).Methods(http.MethodGet)
}

// Handler returns the router wrapped in the cross-cutting middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = GlobalRateLimit(h, a.cfg.RateLimit.GlobalRPS, a.cfg.RateLimit.GlobalBurst)
	h = MaxBodyBytes(h, a.cfg.Server.MaxBodyBytes)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = Recovery(h)
	return RequestID(h)
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"timestamp":   a.now().UTC().Format(time.RFC3339),
		"environment": a.cfg.Environment,
		"version":     a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.Logger().Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	a.reset.Reset()
	if rs, ok := a.limiter.(ratelimit.Resetter); ok {
		if err := rs.Reset(r.Context()); err != nil {
			handleAuthError(w, r, auth.Unavailable("reset rate limits", err))
			return
		}
	}
	a.audit(r.Context(), "test.reset", nil)
	writeJSON(w, http.StatusOK, messageResponse{Message: "Test data reset"})
}

type messageResponse struct {
	Message string `json:"message"`
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// hasBody reports whether the client sent a request body at all.
func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Logger().Warn("audit event dropped", zap.String("event", event), zap.Error(err))
	}
}
