package audit

import (
	"encoding/json"
	"strings"

	telemetrydomain "marketplace-auth/backend/internal/telemetry/domain"
)

// ActionFor maps a session event type to the audit action recorded for it.
// Unknown types are recorded as the event type with dots replaced by underscores.
func ActionFor(eventType string) string {
	switch eventType {
	case telemetrydomain.EventLogin:
		return "login"
	case telemetrydomain.EventRefresh:
		return "refresh"
	case telemetrydomain.EventRefreshGrace:
		return "refresh_grace"
	case telemetrydomain.EventReuseDetected:
		return "refresh_reuse"
	case telemetrydomain.EventLogout:
		return "logout"
	case telemetrydomain.EventLogoutAll:
		return "logout_all"
	case telemetrydomain.EventRevoked:
		return "revoke"
	case telemetrydomain.EventBadSignature:
		return "bad_signature"
	case telemetrydomain.EventLoginFailed:
		return "login_failure"
	case telemetrydomain.EventLoginRateLimit:
		return "login_rate_limited"
	}
	if eventType == "" {
		return "unknown"
	}
	return strings.ReplaceAll(eventType, ".", "_")
}

// metadataFor encodes the event fields that have no column of their own.
func metadataFor(e *telemetrydomain.Event) string {
	m := map[string]string{}
	if e.Reason != "" {
		m["reason"] = e.Reason
	}
	if e.Source != "" {
		m["source"] = e.Source
	}
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
