// Package httpapi is the HTTP boundary of the access core. Handlers stay
// thin: authenticate, decode, call a service, map the error.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"staykey.io/internal/access"
	"staykey.io/internal/obs"
	"staykey.io/internal/svcauth"
)

// ReadyProbe reports whether the backing store is reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Limits bounds inbound traffic at the HTTP edge.
type Limits struct {
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
}

func (l Limits) withDefaults() Limits {
	if l.RateLimitRPS <= 0 {
		l.RateLimitRPS = 50
	}
	if l.RateLimitBurst <= 0 {
		l.RateLimitBurst = 100
	}
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = 1 << 20
	}
	return l
}

// API wires the access services to routes.
type API struct {
	mux        *http.ServeMux
	handler    http.Handler
	tokens     *access.TokenService
	sessions   *access.SessionService
	perms      *access.PermissionService
	verifier   *svcauth.Verifier
	readyProbe ReadyProbe
	limits     Limits
	version    string
}

func New(tokens *access.TokenService, sessions *access.SessionService, perms *access.PermissionService, verifier *svcauth.Verifier, rp ReadyProbe, limits Limits, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		tokens:     tokens,
		sessions:   sessions,
		perms:      perms,
		verifier:   verifier,
		readyProbe: rp,
		limits:     limits.withDefaults(),
		version:    version,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	// Public credential exchange.
	a.mux.HandleFunc("/v1/tokens/resolve", a.handleTokenResolve)
	a.mux.HandleFunc("/v1/tokens/consume", a.handleTokenConsume)

	// Session-holder surface.
	a.mux.HandleFunc("/v1/session", a.handleSession)
	a.mux.HandleFunc("/v1/session/logout", a.handleSessionLogout)
	a.mux.HandleFunc("/v1/session/rotate", a.handleSessionRotate)

	// Management plane: tenant-scoped and token-scoped resources.
	a.mux.HandleFunc("/v1/tenants/", a.handleTenantScoped)
	a.mux.HandleFunc("/v1/tokens/", a.handleTokenResource)
	a.mux.HandleFunc("/v1/principals/", a.handlePrincipalScoped)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	// Built once: RateLimit owns per-client state and a sweeper goroutine, so
	// the chain must not be reassembled per call.
	var h http.Handler = a.mux
	h = obs.Instrument(h)
	h = RateLimit(h, a.limits.RateLimitRPS, a.limits.RateLimitBurst)
	h = MaxBodyBytes(h, a.limits.MaxBodyBytes)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	a.handler = h

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler { return a.handler }

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "staykey-access",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
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

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "staykey-access",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
