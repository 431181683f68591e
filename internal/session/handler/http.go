// Package handler exposes the session lifecycle over HTTP: login, refresh, logout and the caller's
// session list. Credentials travel only in cookies.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"marketplace-auth/backend/internal/cookie"
	"marketplace-auth/backend/internal/gate"
	identityservice "marketplace-auth/backend/internal/identity/service"
	"marketplace-auth/backend/internal/platform/device"
	"marketplace-auth/backend/internal/platform/httpx"
	"marketplace-auth/backend/internal/platform/ratelimit"
	"marketplace-auth/backend/internal/security"
	sessiondomain "marketplace-auth/backend/internal/session/domain"
	"marketplace-auth/backend/internal/session/service"
	"marketplace-auth/backend/internal/telemetry"
	telemetrydomain "marketplace-auth/backend/internal/telemetry/domain"
	userdomain "marketplace-auth/backend/internal/user/domain"
)

const maxBodyBytes = 1 << 16

// Login outcomes for login_total.
const (
	loginOK          = "ok"
	loginInvalid     = "invalid_credentials"
	loginRateLimited = "rate_limited"
	loginError       = "error"
)

// Sessions is the part of the session manager the handlers call.
type Sessions interface {
	Login(ctx context.Context, in service.LoginInput) (*service.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string, client service.ClientInfo) (*service.RefreshResult, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
	LogoutAll(ctx context.Context, userID string) error
	ListSessions(ctx context.Context, userID string) ([]*sessiondomain.Session, error)
	RevokeSession(ctx context.Context, userID, sessionID string) error
}

// Authenticator verifies email/password pairs.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (*userdomain.User, error)
}

// Server serves the /auth endpoints.
type Server struct {
	sessions Sessions
	auth     Authenticator
	cookies  *cookie.Transport
	limiter  *ratelimit.Keyed
	validate *validator.Validate
	events   telemetry.EventEmitter
	metrics  *telemetry.Metrics
	log      *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLoginLimiter rate limits POST /auth/login per client IP.
func WithLoginLimiter(l *ratelimit.Keyed) Option { return func(s *Server) { s.limiter = l } }

// WithEvents sets the emitter for login failures and rate limiting.
func WithEvents(e telemetry.EventEmitter) Option { return func(s *Server) { s.events = e } }

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// NewServer returns a Server.
func NewServer(sessions Sessions, auth Authenticator, cookies *cookie.Transport, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		auth:     auth,
		cookies:  cookies,
		validate: validator.New(),
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// PublicRoutes mounts the endpoints that need no principal.
func (s *Server) PublicRoutes(r chi.Router) {
	r.Post("/auth/login", s.Login)
	r.Post("/auth/refresh", s.Refresh)
	r.Post("/auth/logout", s.Logout)
}

// UserRoutes mounts the endpoints that need a user principal. The caller wraps r with the gate.
func (s *Server) UserRoutes(r chi.Router) {
	r.Post("/auth/logout-all", s.LogoutAll)
	r.Get("/auth/me", s.Me)
	r.Get("/auth/sessions", s.ListSessions)
	r.Delete("/auth/sessions/{id}", s.RevokeSession)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=256"`
}

type identityResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type sessionResponse struct {
	User            identityResponse `json:"user"`
	SessionID       string           `json:"session_id"`
	AccessExpiresAt time.Time        `json:"access_expires_at"`
}

type sessionItem struct {
	ID         string     `json:"id"`
	Device     string     `json:"device"`
	IPAddress  string     `json:"ip_address,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Current    bool       `json:"current"`
}

type sessionListResponse struct {
	Sessions []sessionItem `json:"sessions"`
}

// Login verifies credentials, opens a session and sets both cookies.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	client := clientInfo(r)
	if s.limiter != nil && !s.limiter.Allow(client.IPAddress) {
		s.countLogin(loginRateLimited)
		s.emit(&telemetrydomain.Event{Type: telemetrydomain.EventLoginRateLimit, IPAddress: client.IPAddress, UserAgent: client.UserAgent})
		w.Header().Set("Retry-After", "60")
		httpx.WriteError(w, http.StatusTooManyRequests, httpx.CodeRateLimited, "too many login attempts")
		return
	}

	var req loginRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "request body must be JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "email and password are required")
		return
	}

	user, err := s.auth.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, identityservice.ErrInvalidCredentials) {
		s.countLogin(loginInvalid)
		s.emit(&telemetrydomain.Event{Type: telemetrydomain.EventLoginFailed, IPAddress: client.IPAddress, UserAgent: client.UserAgent})
		httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeInvalidLogin, "invalid email or password")
		return
	}
	if err != nil {
		s.countLogin(loginError)
		s.log.Error("login: user lookup failed", zap.Error(err))
		httpx.WriteError(w, http.StatusServiceUnavailable, httpx.CodeUnavailable, "try again later")
		return
	}

	res, err := s.sessions.Login(r.Context(), service.LoginInput{UserID: user.ID, Client: client})
	if err != nil {
		s.countLogin(loginError)
		s.log.Error("login: open session failed", zap.String("user_id", user.ID), zap.Error(err))
		httpx.WriteError(w, http.StatusServiceUnavailable, httpx.CodeUnavailable, "try again later")
		return
	}
	s.countLogin(loginOK)
	s.cookies.SetCredentials(w, res.Access, res.Refresh)
	httpx.WriteJSON(w, http.StatusOK, sessionResponse{
		User:            toIdentity(res.Identity),
		SessionID:       res.SessionID,
		AccessExpiresAt: res.Access.ExpiresAt,
	})
}

// Refresh rotates the refresh cookie. Rejected tokens clear both cookies; a storage outage does not.
func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	vals := s.cookies.Read(r)
	if vals.Refresh == "" {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeUnauthenticated, "authentication required")
		return
	}
	res, err := s.sessions.Refresh(r.Context(), vals.Refresh, clientInfo(r))
	if errors.Is(err, service.ErrStorageUnavailable) {
		httpx.WriteError(w, http.StatusServiceUnavailable, httpx.CodeUnavailable, "try again later")
		return
	}
	if err != nil {
		s.cookies.ClearCredentials(w)
		httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeUnauthenticated, "authentication required")
		return
	}
	s.cookies.SetCredentials(w, res.Access, res.Refresh)
	httpx.WriteJSON(w, http.StatusOK, sessionResponse{
		User:            toIdentity(res.Identity),
		SessionID:       res.SessionID,
		AccessExpiresAt: res.Access.ExpiresAt,
	})
}

// Logout revokes the presented session if there is one. It always clears cookies and returns 204.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	vals := s.cookies.Read(r)
	if err := s.sessions.Logout(r.Context(), vals.Access, vals.Refresh); err != nil {
		s.log.Warn("logout: revoke failed", zap.Error(err))
	}
	s.cookies.ClearCredentials(w)
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll revokes every session of the caller and clears cookies.
func (s *Server) LogoutAll(w http.ResponseWriter, r *http.Request) {
	p, ok := userPrincipal(w, r)
	if !ok {
		return
	}
	if err := s.sessions.LogoutAll(r.Context(), p.Identity.ID); err != nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, httpx.CodeUnavailable, "try again later")
		return
	}
	s.cookies.ClearCredentials(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the caller's identity snapshot.
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := userPrincipal(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toIdentity(p.Identity))
}

// ListSessions returns the caller's active sessions, marking the one making the request.
func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := userPrincipal(w, r)
	if !ok {
		return
	}
	list, err := s.sessions.ListSessions(r.Context(), p.Identity.ID)
	if err != nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, httpx.CodeUnavailable, "try again later")
		return
	}
	out := sessionListResponse{Sessions: make([]sessionItem, 0, len(list))}
	for _, sess := range list {
		out.Sessions = append(out.Sessions, sessionItem{
			ID:         sess.ID,
			Device:     device.Label(sess.UserAgent),
			IPAddress:  sess.IPAddress,
			CreatedAt:  sess.CreatedAt,
			LastSeenAt: sess.LastSeenAt,
			ExpiresAt:  sess.ExpiresAt,
			Current:    sess.ID == p.SessionID,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// RevokeSession revokes one of the caller's sessions. Revoking the current one also clears cookies.
func (s *Server) RevokeSession(w http.ResponseWriter, r *http.Request) {
	p, ok := userPrincipal(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "session id required")
		return
	}
	err := s.sessions.RevokeSession(r.Context(), p.Identity.ID, id)
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound, "session not found")
		return
	case err != nil:
		httpx.WriteError(w, http.StatusServiceUnavailable, httpx.CodeUnavailable, "try again later")
		return
	}
	if id == p.SessionID {
		s.cookies.ClearCredentials(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

func userPrincipal(w http.ResponseWriter, r *http.Request) (*gate.Principal, bool) {
	p, ok := gate.PrincipalFrom(r.Context())
	if !ok || p.Kind != gate.KindUser {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeUnauthenticated, "authentication required")
		return nil, false
	}
	return p, true
}

func clientInfo(r *http.Request) service.ClientInfo {
	return service.ClientInfo{IPAddress: httpx.ClientIP(r), UserAgent: r.UserAgent()}
}

func toIdentity(id security.Identity) identityResponse {
	return identityResponse{ID: id.ID, Name: id.Name, Email: id.Email, Role: id.Role}
}

func (s *Server) emit(event *telemetrydomain.Event) {
	event.Source = "session-handler"
	telemetry.EmitAsync(s.events, s.log, event)
}

func (s *Server) countLogin(outcome string) {
	if s.metrics != nil {
		s.metrics.Login.WithLabelValues(outcome).Inc()
	}
}
