package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"marketplace-auth/backend/internal/security"
	sessiondomain "marketplace-auth/backend/internal/session/domain"
	"marketplace-auth/backend/internal/session/repository"
	telemetrydomain "marketplace-auth/backend/internal/telemetry/domain"
)

// Resolve outcomes, used as metric labels and span attributes.
const (
	outcomeNoCredentials = "no_credentials"
	outcomeAccessValid   = "access_valid"
	outcomeRefreshed     = "refreshed"
	outcomeRejected      = "rejected"
	outcomeStorageError  = "storage_error"
)

// Refresh outcomes.
const (
	refreshRotated         = "rotated"
	refreshGrace           = "grace"
	refreshReuse           = "reuse"
	refreshInvalid         = "invalid"
	refreshInactive        = "inactive"
	refreshUserUnavailable = "user_unavailable"
	refreshStorageError    = "storage_error"
	refreshError           = "error"
)

// Credentials are the raw cookie values a request presented, plus caller metadata.
type Credentials struct {
	Access  string
	Refresh string
	Client  ClientInfo
}

// Resolution is the only result Resolve produces: authenticated as Identity, or not.
// When Refreshed is set, Access (and Refresh, unless served by the grace window) must be written back
// to the client. ClearCookies is set when presented credentials were rejected.
type Resolution struct {
	Authenticated bool
	Identity      security.Identity
	SessionID     string
	Refreshed     bool
	Access        security.IssuedToken
	Refresh       security.IssuedToken
	ClearCookies  bool
}

// Resolve turns a request's credentials into an identity. A valid access token whose session is still
// active wins; otherwise the refresh token is tried. Every failure is Unauthenticated. Storage errors
// fail closed but leave cookies in place so the client recovers once the store is back.
func (m *Manager) Resolve(ctx context.Context, creds Credentials) Resolution {
	ctx, span := m.tracer.Start(ctx, "session.Resolve")
	defer span.End()

	res, outcome := m.resolve(ctx, creds)
	m.countResolve(outcome)
	span.SetAttributes(attribute.String("session.outcome", outcome))
	if res.Authenticated {
		span.SetAttributes(attribute.String("session.id", res.SessionID))
	}
	return res
}

func (m *Manager) resolve(ctx context.Context, creds Credentials) (Resolution, string) {
	if creds.Access == "" && creds.Refresh == "" {
		return Resolution{}, outcomeNoCredentials
	}
	storageFailed := false
	if creds.Access != "" {
		claims, err := m.codec.Verify(creds.Access, security.KindAccess)
		if err != nil {
			m.verifyFailed(security.KindAccess, err, creds.Client)
		} else {
			now := m.now().UTC()
			sess, err := m.sessions.GetByID(ctx, claims.SessionID)
			switch {
			case err != nil:
				storageFailed = true
				m.log.Error("session: lookup failed", zap.String("session_id", claims.SessionID), zap.Error(err))
			case sess.IsActive(now) && sess.UserID == claims.Subject:
				m.touchAsync(sess, now)
				return Resolution{Authenticated: true, Identity: claims.Identity(), SessionID: sess.ID}, outcomeAccessValid
			default:
				m.log.Debug("session: access token names an inactive session", zap.String("session_id", claims.SessionID))
			}
		}
	}
	if creds.Refresh == "" {
		if storageFailed {
			return Resolution{}, outcomeStorageError
		}
		return Resolution{ClearCookies: true}, outcomeRejected
	}
	result, err := m.Refresh(ctx, creds.Refresh, creds.Client)
	if err != nil {
		if errors.Is(err, ErrStorageUnavailable) {
			return Resolution{}, outcomeStorageError
		}
		return Resolution{ClearCookies: true}, outcomeRejected
	}
	return Resolution{
		Authenticated: true,
		Identity:      result.Identity,
		SessionID:     result.SessionID,
		Refreshed:     true,
		Access:        result.Access,
		Refresh:       result.Refresh,
	}, outcomeRefreshed
}

// Refresh exchanges a refresh token for a new pair. The current refresh token rotates through a
// compare-and-swap on the session, so a superseded token can never mint a second pair. A superseded
// token presented inside the grace window gets an access token only, and only once; any other
// presentation revokes the session and returns ErrRefreshTokenReuse.
func (m *Manager) Refresh(ctx context.Context, refreshToken string, client ClientInfo) (*RefreshResult, error) {
	ctx, span := m.tracer.Start(ctx, "session.Refresh")
	defer span.End()

	res, outcome, err := m.refresh(ctx, refreshToken, client)
	m.countRefresh(outcome)
	span.SetAttributes(attribute.String("session.outcome", outcome))
	if err != nil {
		span.SetStatus(codes.Error, outcome)
	}
	return res, err
}

func (m *Manager) refresh(ctx context.Context, token string, client ClientInfo) (*RefreshResult, string, error) {
	if token == "" {
		return nil, refreshInvalid, ErrInvalidRefreshToken
	}
	claims, err := m.codec.Verify(token, security.KindRefresh)
	if err != nil {
		m.verifyFailed(security.KindRefresh, err, client)
		return nil, refreshInvalid, ErrInvalidRefreshToken
	}
	now := m.now().UTC()
	sess, err := m.sessions.GetByID(ctx, claims.SessionID)
	if err != nil {
		m.log.Error("session: lookup failed", zap.String("session_id", claims.SessionID), zap.Error(err))
		return nil, refreshStorageError, storageErr(err)
	}
	if !sess.IsActive(now) || sess.UserID != claims.Subject {
		m.log.Debug("session: refresh for inactive session", zap.String("session_id", claims.SessionID))
		return nil, refreshInactive, ErrInvalidRefreshToken
	}
	if claims.ID != sess.RefreshJti {
		return m.superseded(ctx, sess, claims, client, now)
	}
	if sess.RefreshTokenHash != "" && !security.RefreshTokenHashEqual(token, sess.RefreshTokenHash) {
		m.log.Warn("session: refresh token hash mismatch", zap.String("session_id", sess.ID))
		return nil, refreshInvalid, ErrInvalidRefreshToken
	}
	identity, outcome, err := m.currentIdentity(ctx, sess, now)
	if err != nil {
		return nil, outcome, err
	}

	newRefresh, err := m.codec.Issue(identity, sess.ID, security.KindRefresh, m.cfg.RefreshTTL)
	if err != nil {
		return nil, refreshError, err
	}
	swapped, err := m.sessions.RotateRefresh(ctx, repository.RotateParams{
		SessionID:    sess.ID,
		ExpectedJti:  claims.ID,
		NewJti:       newRefresh.JTI,
		NewHash:      security.HashRefreshToken(newRefresh.Token),
		Now:          now,
		NewExpiresAt: newRefresh.ExpiresAt,
	})
	if err != nil {
		m.log.Error("session: rotate failed", zap.String("session_id", sess.ID), zap.Error(err))
		return nil, refreshStorageError, storageErr(err)
	}
	if !swapped {
		// Another request rotated first, or the session was revoked meanwhile. The stored state decides.
		latest, err := m.sessions.GetByID(ctx, sess.ID)
		if err != nil {
			return nil, refreshStorageError, storageErr(err)
		}
		if !latest.IsActive(now) {
			return nil, refreshInactive, ErrInvalidRefreshToken
		}
		return m.superseded(ctx, latest, claims, client, now)
	}

	access, err := m.codec.Issue(identity, sess.ID, security.KindAccess, m.cfg.AccessTTL)
	if err != nil {
		return nil, refreshError, err
	}
	m.emit(&telemetrydomain.Event{
		Type:      telemetrydomain.EventRefresh,
		UserID:    identity.ID,
		SessionID: sess.ID,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	})
	return &RefreshResult{Identity: identity, SessionID: sess.ID, Access: access, Refresh: newRefresh}, refreshRotated, nil
}

// superseded handles a validly signed refresh token that is no longer the session's current one.
// The token rotated away from most recently is honored once inside the grace window; the claim on it is
// a compare-and-swap, so any further presentation is reuse.
func (m *Manager) superseded(ctx context.Context, sess *sessiondomain.Session, claims *security.Claims, client ClientInfo, now time.Time) (*RefreshResult, string, error) {
	if sess.WithinGrace(claims.ID, now, m.cfg.ReuseGrace) {
		claimed, err := m.sessions.ConsumePrevious(ctx, sess.ID, claims.ID, now)
		if err != nil {
			m.log.Error("session: consume previous refresh failed", zap.String("session_id", sess.ID), zap.Error(err))
			return nil, refreshStorageError, storageErr(err)
		}
		if claimed {
			return m.graceAccess(ctx, sess, client, now)
		}
	}
	return m.reuseDetected(ctx, sess, client, now)
}

// graceAccess issues an access token only; the refresh cookie stays as the rotating request wrote it.
func (m *Manager) graceAccess(ctx context.Context, sess *sessiondomain.Session, client ClientInfo, now time.Time) (*RefreshResult, string, error) {
	identity, outcome, err := m.currentIdentity(ctx, sess, now)
	if err != nil {
		return nil, outcome, err
	}
	access, err := m.codec.Issue(identity, sess.ID, security.KindAccess, m.cfg.AccessTTL)
	if err != nil {
		return nil, refreshError, err
	}
	m.emit(&telemetrydomain.Event{
		Type:      telemetrydomain.EventRefreshGrace,
		UserID:    identity.ID,
		SessionID: sess.ID,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	})
	return &RefreshResult{Identity: identity, SessionID: sess.ID, Access: access}, refreshGrace, nil
}

// reuseDetected revokes the session a superseded refresh token belongs to.
func (m *Manager) reuseDetected(ctx context.Context, sess *sessiondomain.Session, client ClientInfo, now time.Time) (*RefreshResult, string, error) {
	m.log.Warn("session: refresh token reuse detected; revoking session",
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID),
		zap.Int64("generation", sess.Generation),
		zap.String("ip", client.IPAddress))
	if err := m.sessions.Revoke(ctx, sess.ID, now); err != nil {
		m.log.Error("session: revoke after reuse failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	m.emit(&telemetrydomain.Event{
		Type:      telemetrydomain.EventReuseDetected,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Reason:    "superseded_refresh_token",
	})
	return nil, refreshReuse, ErrRefreshTokenReuse
}

// currentIdentity re-reads the subject so role or name changes reach the next access token. A missing
// or disabled user ends the session.
func (m *Manager) currentIdentity(ctx context.Context, sess *sessiondomain.Session, now time.Time) (security.Identity, string, error) {
	identity, err := m.loadIdentity(ctx, sess.UserID)
	switch {
	case err == nil:
		return identity, "", nil
	case errors.Is(err, ErrUserUnavailable):
		if rerr := m.sessions.Revoke(ctx, sess.ID, now); rerr != nil {
			m.log.Error("session: revoke for unavailable user failed", zap.String("session_id", sess.ID), zap.Error(rerr))
		}
		m.emit(&telemetrydomain.Event{
			Type:      telemetrydomain.EventRevoked,
			UserID:    sess.UserID,
			SessionID: sess.ID,
			Reason:    "user_unavailable",
		})
		return security.Identity{}, refreshUserUnavailable, ErrInvalidRefreshToken
	default:
		m.log.Error("session: identity lookup failed", zap.String("user_id", sess.UserID), zap.Error(err))
		return security.Identity{}, refreshStorageError, err
	}
}

// verifyFailed logs and counts a rejected token. A bad signature may be an attack and is logged at warn
// and emitted as an event; the caller's behavior is the same for every reason.
func (m *Manager) verifyFailed(kind security.TokenKind, err error, client ClientInfo) {
	reason := security.ReasonOf(err)
	m.countVerifyFailure(reason)
	if reason == security.ReasonBadSignature {
		m.log.Warn("session: token signature invalid",
			zap.String("kind", string(kind)), zap.String("ip", client.IPAddress), zap.Error(err))
		m.emit(&telemetrydomain.Event{
			Type:      telemetrydomain.EventBadSignature,
			IPAddress: client.IPAddress,
			UserAgent: client.UserAgent,
			Reason:    string(kind),
		})
		return
	}
	m.log.Debug("session: token rejected", zap.String("kind", string(kind)), zap.String("reason", string(reason)))
}
