// Package server assembles the HTTP router and the gRPC health listener.
package server

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"marketplace-auth/backend/internal/gate"
	"marketplace-auth/backend/internal/health"
	"marketplace-auth/backend/internal/platform/httpx"
	"marketplace-auth/backend/internal/platform/limiter"
	"marketplace-auth/backend/internal/policy/engine"
	sessionhandler "marketplace-auth/backend/internal/session/handler"
	"marketplace-auth/backend/internal/telemetry"
)

// Route keys for the concurrency limiter.
const (
	limitAuth   = "auth"
	limitAdmin  = "admin"
	limitVendor = "vendor"
)

// HTTPDeps holds what the router mounts. Health, Metrics and Limiter may be nil.
type HTTPDeps struct {
	Sessions *sessionhandler.Server
	Gate     *gate.Gate
	Health   *health.Checker
	Metrics  *telemetry.Metrics
	Limiter  *limiter.Limiter
	Log      *zap.Logger

	// TrustedProxies are the peers whose X-Forwarded-For and X-Real-IP headers are believed.
	TrustedProxies []*net.IPNet
}

// NewRouter returns the HTTP handler for the service.
func NewRouter(d HTTPDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(TrustedRealIP(d.TrustedProxies))
	r.Use(RequestLogger(d.Log, d.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)

	if d.Health != nil {
		r.Get("/healthz", d.Health.Live)
		r.Get("/readyz", d.Health.Ready)
	}
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(limit(d.Limiter, limitAuth))
		d.Sessions.PublicRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(d.Gate.RequireAPI(engine.ScopeUser))
			d.Sessions.UserRoutes(r)
		})
	})

	r.With(limit(d.Limiter, limitAdmin), d.Gate.RequireAPI(engine.ScopeAdmin)).Get("/admin/ping", ping)
	r.With(limit(d.Limiter, limitVendor), d.Gate.RequireAPI(engine.ScopeVendor)).Get("/vendor/ping", ping)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound, "not found")
	})
	return r
}

func limit(l *limiter.Limiter, key string) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return l.Middleware(key)
}

type pingResponse struct {
	Status    string `json:"status"`
	Principal string `json:"principal"`
	Subject   string `json:"subject"`
}

// ping answers for whoever the gate let through.
func ping(w http.ResponseWriter, r *http.Request) {
	p, _ := gate.PrincipalFrom(r.Context())
	resp := pingResponse{Status: "ok"}
	if p != nil {
		resp.Principal = string(p.Kind)
		resp.Subject = p.Identity.ID
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
