// Package service owns the session lifecycle: login, resolving a request's credentials, refresh
// rotation with reuse detection, and logout. It is the only place session ids are created or compared.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"marketplace-auth/backend/internal/security"
	sessiondomain "marketplace-auth/backend/internal/session/domain"
	"marketplace-auth/backend/internal/session/repository"
	"marketplace-auth/backend/internal/telemetry"
	telemetrydomain "marketplace-auth/backend/internal/telemetry/domain"
	userdomain "marketplace-auth/backend/internal/user/domain"
)

// Sentinel errors for the session manager; handlers map them to status codes.
var (
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrRefreshTokenReuse   = errors.New("refresh token reuse detected; session revoked")
	ErrStorageUnavailable  = errors.New("session storage unavailable")
	ErrSessionNotFound     = errors.New("session not found")
	ErrUserUnavailable     = errors.New("user not found or disabled")
)

const (
	touchTimeout = 2 * time.Second
	eventSource  = "session-manager"
)

// IdentityStore supplies the identity snapshot embedded in tokens.
type IdentityStore interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
}

// Config holds the lifetimes the manager issues tokens with.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// ReuseGrace is how long a just-rotated refresh token still yields an access token. Zero disables it.
	ReuseGrace time.Duration
	// TouchInterval is the minimum gap between last-seen writes for one session.
	TouchInterval time.Duration
}

// ClientInfo describes the caller for session records and security events.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// LoginInput identifies a subject whose credentials were already verified.
type LoginInput struct {
	UserID string
	Client ClientInfo
}

// LoginResult carries the new session and its token pair.
type LoginResult struct {
	Identity  security.Identity
	SessionID string
	Access    security.IssuedToken
	Refresh   security.IssuedToken
}

// RefreshResult is a successful refresh. Refresh.Token is empty when the call was served inside the
// reuse grace window; the client keeps the refresh cookie set by the request that rotated.
type RefreshResult struct {
	Identity  security.Identity
	SessionID string
	Access    security.IssuedToken
	Refresh   security.IssuedToken
}

// Manager implements the session lifecycle over a session repository and a token codec.
type Manager struct {
	sessions repository.Repository
	users    IdentityStore
	codec    *security.Codec
	cfg      Config
	events   telemetry.EventEmitter
	metrics  *telemetry.Metrics
	log      *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	touches singleflight.Group
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithEvents sets the emitter that receives session lifecycle events.
func WithEvents(e telemetry.EventEmitter) Option { return func(m *Manager) { m.events = e } }

// WithMetrics sets the Prometheus collectors.
func WithMetrics(metrics *telemetry.Metrics) Option { return func(m *Manager) { m.metrics = metrics } }

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithClock sets the time source. It must be the codec's clock too.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager returns a Manager. Zero TTLs fall back to 15m access and 336h refresh.
func NewManager(sessions repository.Repository, users IdentityStore, codec *security.Codec, cfg Config, opts ...Option) *Manager {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 336 * time.Hour
	}
	if cfg.ReuseGrace < 0 {
		cfg.ReuseGrace = 0
	}
	if cfg.TouchInterval <= 0 {
		cfg.TouchInterval = time.Minute
	}
	m := &Manager{
		sessions: sessions,
		users:    users,
		codec:    codec,
		cfg:      cfg,
		log:      zap.NewNop(),
		tracer:   otel.Tracer("marketplace-auth/session"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Login opens a session for in.UserID and issues its first token pair. Storage failure is returned as
// ErrStorageUnavailable: a login never succeeds without a durable session.
func (m *Manager) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	ctx, span := m.tracer.Start(ctx, "session.Login")
	defer span.End()

	identity, err := m.loadIdentity(ctx, in.UserID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	var lastErr error
	// A v4 collision is practically impossible; one retry covers it.
	for attempt := 0; attempt < 2; attempt++ {
		res, err := m.openSession(ctx, identity, in.Client)
		if errors.Is(err, repository.ErrDuplicateID) {
			lastErr = err
			continue
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			if errors.Is(err, ErrStorageUnavailable) {
				m.log.Error("session: create failed", zap.String("user_id", identity.ID), zap.Error(err))
			}
			return nil, err
		}
		span.SetAttributes(attribute.String("session.id", res.SessionID))
		m.emit(&telemetrydomain.Event{
			Type:      telemetrydomain.EventLogin,
			UserID:    identity.ID,
			SessionID: res.SessionID,
			IPAddress: in.Client.IPAddress,
			UserAgent: in.Client.UserAgent,
		})
		return res, nil
	}
	return nil, storageErr(lastErr)
}

func (m *Manager) openSession(ctx context.Context, identity security.Identity, client ClientInfo) (*LoginResult, error) {
	now := m.now().UTC()
	sid := uuid.NewString()
	refresh, err := m.codec.Issue(identity, sid, security.KindRefresh, m.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}
	access, err := m.codec.Issue(identity, sid, security.KindAccess, m.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	sess := &sessiondomain.Session{
		ID:               sid,
		UserID:           identity.ID,
		CreatedAt:        now,
		ExpiresAt:        refresh.ExpiresAt,
		LastSeenAt:       &now,
		RefreshJti:       refresh.JTI,
		RefreshTokenHash: security.HashRefreshToken(refresh.Token),
		UserAgent:        client.UserAgent,
		IPAddress:        client.IPAddress,
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		if errors.Is(err, repository.ErrDuplicateID) {
			return nil, err
		}
		return nil, storageErr(err)
	}
	return &LoginResult{Identity: identity, SessionID: sid, Access: access, Refresh: refresh}, nil
}

// Logout revokes the session named by the access token, or by the refresh token when the access token
// does not verify. Expiry is ignored for this lookup; the signature is not. Missing or invalid
// credentials are not an error.
func (m *Manager) Logout(ctx context.Context, accessToken, refreshToken string) error {
	ctx, span := m.tracer.Start(ctx, "session.Logout")
	defer span.End()

	claims := m.claimsForLogout(accessToken, refreshToken)
	if claims == nil {
		return nil
	}
	if err := m.sessions.Revoke(ctx, claims.SessionID, m.now().UTC()); err != nil {
		m.log.Error("session: revoke on logout failed", zap.String("session_id", claims.SessionID), zap.Error(err))
		span.SetStatus(codes.Error, "revoke failed")
		return storageErr(err)
	}
	m.emit(&telemetrydomain.Event{
		Type:      telemetrydomain.EventLogout,
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
	})
	return nil
}

func (m *Manager) claimsForLogout(accessToken, refreshToken string) *security.Claims {
	if accessToken != "" {
		if c, err := m.codec.VerifyIgnoringExpiry(accessToken, security.KindAccess); err == nil {
			return c
		}
	}
	if refreshToken != "" {
		if c, err := m.codec.VerifyIgnoringExpiry(refreshToken, security.KindRefresh); err == nil {
			return c
		}
	}
	return nil
}

// LogoutAll revokes every session of userID.
func (m *Manager) LogoutAll(ctx context.Context, userID string) error {
	ctx, span := m.tracer.Start(ctx, "session.LogoutAll")
	defer span.End()

	if err := m.sessions.RevokeAllByUser(ctx, userID, m.now().UTC()); err != nil {
		m.log.Error("session: revoke all failed", zap.String("user_id", userID), zap.Error(err))
		span.SetStatus(codes.Error, "revoke all failed")
		return storageErr(err)
	}
	m.emit(&telemetrydomain.Event{Type: telemetrydomain.EventLogoutAll, UserID: userID})
	return nil
}

// ListSessions returns the user's active sessions, newest first.
func (m *Manager) ListSessions(ctx context.Context, userID string) ([]*sessiondomain.Session, error) {
	list, err := m.sessions.ListByUser(ctx, userID, m.now().UTC())
	if err != nil {
		return nil, storageErr(err)
	}
	return list, nil
}

// RevokeSession revokes one of userID's sessions. Returns ErrSessionNotFound if the session does not
// exist or belongs to someone else.
func (m *Manager) RevokeSession(ctx context.Context, userID, sessionID string) error {
	ctx, span := m.tracer.Start(ctx, "session.RevokeSession")
	defer span.End()

	sess, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return storageErr(err)
	}
	if sess == nil || sess.UserID != userID {
		return ErrSessionNotFound
	}
	if err := m.sessions.Revoke(ctx, sessionID, m.now().UTC()); err != nil {
		return storageErr(err)
	}
	m.emit(&telemetrydomain.Event{
		Type:      telemetrydomain.EventRevoked,
		UserID:    userID,
		SessionID: sessionID,
		Reason:    "user_request",
	})
	return nil
}

// Wait blocks until in-flight last-seen writes finish. Call on shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) loadIdentity(ctx context.Context, userID string) (security.Identity, error) {
	if userID == "" {
		return security.Identity{}, ErrUserUnavailable
	}
	u, err := m.users.GetByID(ctx, userID)
	if err != nil {
		return security.Identity{}, storageErr(err)
	}
	if u == nil || !u.IsActive() {
		return security.Identity{}, ErrUserUnavailable
	}
	return security.Identity{ID: u.ID, Name: u.Name, Email: u.Email, Role: string(u.Role)}, nil
}

// touchAsync records last-seen off the request path. Writes are throttled by TouchInterval and
// deduplicated per session; failures are only logged.
func (m *Manager) touchAsync(sess *sessiondomain.Session, now time.Time) {
	if sess.LastSeenAt != nil && now.Sub(*sess.LastSeenAt) < m.cfg.TouchInterval {
		return
	}
	id := sess.ID
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, _, _ = m.touches.Do(id, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
			defer cancel()
			if err := m.sessions.Touch(ctx, id, now); err != nil {
				m.log.Warn("session: touch failed", zap.String("session_id", id), zap.Error(err))
			}
			return nil, nil
		})
	}()
}

func (m *Manager) emit(event *telemetrydomain.Event) {
	if event.Source == "" {
		event.Source = eventSource
	}
	event.OccurredAt = m.now().UTC()
	telemetry.EmitAsync(m.events, m.log, event)
}

func (m *Manager) countResolve(outcome string) {
	if m.metrics != nil {
		m.metrics.SessionResolve.WithLabelValues(outcome).Inc()
	}
}

func (m *Manager) countRefresh(outcome string) {
	if m.metrics != nil {
		m.metrics.SessionRefresh.WithLabelValues(outcome).Inc()
	}
}

func (m *Manager) countVerifyFailure(reason security.Reason) {
	if m.metrics != nil {
		m.metrics.TokenVerifyFailures.WithLabelValues(string(reason)).Inc()
	}
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
