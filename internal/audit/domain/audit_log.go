package domain

import "time"

// AuditLog is one durable record of a session lifecycle event.
type AuditLog struct {
	ID        string
	UserID    string
	SessionID string
	Action    string
	IPAddress string
	UserAgent string
	Metadata  string // JSON object; empty when the event carried nothing extra
	CreatedAt time.Time
}
