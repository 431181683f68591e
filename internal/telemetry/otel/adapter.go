package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"marketplace-auth/backend/internal/telemetry"
	"marketplace-auth/backend/internal/telemetry/domain"
)

// recordEmitter is the subset of otellog.Logger the adapter needs.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends session events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return NewEventEmitterWithLogger(provider.Logger("marketplace-auth.sessions"))
}

// NewEventEmitterWithLogger wraps an existing OTel logger. Used by tests to capture records.
func NewEventEmitterWithLogger(logger recordEmitter) telemetry.EventEmitter {
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.Event) error { return nil }

type otelEmitter struct {
	logger recordEmitter
}

// Emit converts the event to an OTel log record. Reuse and forged-signature events are logged at WARN.
func (e *otelEmitter) Emit(ctx context.Context, event *domain.Event) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	ts := event.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetBody(otellog.StringValue(event.Type))
	switch event.Type {
	case domain.EventReuseDetected, domain.EventBadSignature, domain.EventLoginRateLimit:
		rec.SetSeverity(otellog.SeverityWarn)
		rec.SetSeverityText("WARN")
	default:
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetSeverityText("INFO")
	}
	addAttr(&rec, "event_type", event.Type)
	addAttr(&rec, "user_id", event.UserID)
	addAttr(&rec, "session_id", event.SessionID)
	addAttr(&rec, "ip_address", event.IPAddress)
	addAttr(&rec, "user_agent", event.UserAgent)
	addAttr(&rec, "reason", event.Reason)
	addAttr(&rec, "source", event.Source)
	e.logger.Emit(ctx, rec)
	return nil
}

func addAttr(rec *otellog.Record, key, value string) {
	if value != "" {
		rec.AddAttributes(otellog.String(key, value))
	}
}
