// Package httpapi is the HTTP surface: login, OAuth, session management and the
// authorization endpoints, behind the request pipeline that resolves the caller and
// binds its tenant.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/auth/oauth"
	"tenantgate.org/internal/auth/session"
	"tenantgate.org/internal/auth/token"
	"tenantgate.org/internal/authz"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/tenant"
)

const (
	serviceName         = "tenantgate-api"
	defaultMaxBodyBytes = 1 << 20
)

// Pinger is satisfied by the database handle.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ReadyProbe checks dependencies for /readyz.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the services the API is built on. Flow and Exchanges may be nil when OAuth
// is disabled.
type Deps struct {
	Ready     ReadyProbe
	Tokens    *token.Service
	Sessions  *session.Service
	Users     auth.UserDirectory
	Resolver  tenant.Resolver
	Exempt    *tenant.ExemptionList
	Flow      *oauth.Flow
	Exchanges oauth.ExchangeStore
	Authz     *authz.Service
}

// API is the HTTP layer.
type API struct {
	deps    Deps
	mux     *http.ServeMux
	version string
	log     *zap.Logger
	now     func() time.Time

	maxBody     int64
	ratePerSec  float64
	rateBurst   int
	corsOrigins []string
	frontendURL string
	exchangeTTL time.Duration
}

// Option configures API.
type Option func(*API)

// WithLogger sets the access and error logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

// WithRateLimit sets the per-IP budget of the login and OAuth endpoints.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithCORSOrigins lists browser origins allowed in addition to localhost.
func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.corsOrigins = append(a.corsOrigins, origins...) }
}

// WithFrontendURL is where OAuth callbacks redirect with the one-time exchange code.
// Without it the callback answers with JSON.
func WithFrontendURL(u string) Option {
	return func(a *API) { a.frontendURL = strings.TrimRight(u, "/") }
}

// WithExchangeTTL sets the lifetime of OAuth exchange codes.
func WithExchangeTTL(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.exchangeTTL = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		if now != nil {
			a.now = now
		}
	}
}

func New(deps Deps, version string, opts ...Option) *API {
	a := &API{
		deps:        deps,
		mux:         http.NewServeMux(),
		version:     version,
		log:         obs.Logger(),
		now:         time.Now,
		maxBody:     defaultMaxBodyBytes,
		ratePerSec:  5,
		rateBurst:   10,
		exchangeTTL: oauth.DefaultExchangeTTL,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.deps.Exempt == nil {
		a.deps.Exempt = tenant.NewExemptionList(tenant.DefaultExemptPaths...)
	}

	limited := newRateLimiter(a.ratePerSec, a.rateBurst, a.now)

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	// authentication
	a.mux.Handle("POST /api/auth/user/login", limited.wrap(http.HandlerFunc(a.handleLogin)))
	a.mux.HandleFunc("POST /api/auth/logout", a.handleLogout)
	a.mux.HandleFunc("GET /api/auth/oauth/providers", a.handleProviders)
	a.mux.Handle("GET /api/auth/oauth/authorize/{provider}", limited.wrap(http.HandlerFunc(a.handleAuthorize)))
	a.mux.Handle("GET /api/auth/oauth/callback/{provider}", limited.wrap(http.HandlerFunc(a.handleCallback)))
	a.mux.Handle("POST /api/auth/oauth/exchange", limited.wrap(http.HandlerFunc(a.handleExchange)))
	a.mux.HandleFunc("GET /api/auth/sessions", a.handleListSessions)
	a.mux.HandleFunc("DELETE /api/auth/sessions", a.handleRevokeOtherSessions)
	a.mux.HandleFunc("DELETE /api/auth/sessions/{id}", a.handleRevokeSession)

	// authorization
	a.mux.HandleFunc("POST /api/authz/resources", a.handleResources)
	a.mux.HandleFunc("POST /api/authz/fields", a.handleFields)
	a.mux.HandleFunc("GET /api/authz/groups", a.handleListGroups)
	a.mux.HandleFunc("POST /api/authz/groups", a.handleSaveGroup)
	a.mux.HandleFunc("DELETE /api/authz/groups/{id}", a.handleRemoveGroup)
	a.mux.HandleFunc("POST /api/authz/groups/batch-create", a.handleBatchCreate)
	a.mux.HandleFunc("POST /api/authz/groups/batch-update", a.handleBatchUpdate)
	a.mux.HandleFunc("POST /api/authz/groups/batch-delete", a.handleBatchRemove)
	a.mux.HandleFunc("POST /api/authz/groups/batch-authorize", a.handleBatchAuthorize)
	a.mux.HandleFunc("POST /api/authz/groups/batch-revoke", a.handleBatchRevoke)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler wraps the mux in the request pipeline. The tenant binding is the innermost
// layer so it is released before the access log line is written.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	if a.deps.Resolver != nil {
		h = tenant.Middleware(a.deps.Resolver, a.deps.Exempt, a.log)(h)
	}
	h = MaxBodyBytes(h, a.maxBody)
	h = obs.Instrument(h)
	h = CORS(h, a.corsOrigins...)
	h = SecurityHeaders(h)
	h = Logging(h, a.log)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		a.log.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
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
