package domain

import "time"

// Session lifecycle event types.
const (
	EventLogin          = "session.login"
	EventRefresh        = "session.refresh"
	EventRefreshGrace   = "session.refresh_grace"
	EventReuseDetected  = "session.reuse_detected"
	EventLogout         = "session.logout"
	EventLogoutAll      = "session.logout_all"
	EventRevoked        = "session.revoked"
	EventBadSignature   = "token.bad_signature"
	EventLoginFailed    = "login.failed"
	EventLoginRateLimit = "login.rate_limited"
)

// Event is a security-relevant session lifecycle event. It never carries token values.
type Event struct {
	Type       string    `json:"eventType"`
	UserID     string    `json:"userId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Source     string    `json:"source,omitempty"`
	OccurredAt time.Time `json:"createdAt"`
}
