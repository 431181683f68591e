package domain

import "time"

// Session is the durable record a login's tokens point back to. A revoked session never becomes active again.
type Session struct {
	ID         string
	UserID     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time // nil when not revoked
	LastSeenAt *time.Time
	// RefreshJti is the jti of the only refresh token currently accepted for this session.
	RefreshJti string
	// RefreshTokenHash is the SHA-256 of that refresh token (base64url).
	RefreshTokenHash string
	// PreviousRefreshJti is the jti that RefreshJti replaced; accepted only inside the reuse grace window.
	PreviousRefreshJti string
	RotatedAt          *time.Time
	// Generation counts rotations; 0 right after login.
	Generation int64
	UserAgent  string
	IPAddress  string
}

// IsActive reports whether the session is neither revoked nor expired at now.
func (s *Session) IsActive(now time.Time) bool {
	if s == nil || s.RevokedAt != nil {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// WithinGrace reports whether jti is the refresh token this session rotated away from less than grace ago.
func (s *Session) WithinGrace(jti string, now time.Time, grace time.Duration) bool {
	if s == nil || grace <= 0 || jti == "" || s.PreviousRefreshJti == "" || s.RotatedAt == nil {
		return false
	}
	if jti != s.PreviousRefreshJti {
		return false
	}
	return !now.After(s.RotatedAt.Add(grace))
}
