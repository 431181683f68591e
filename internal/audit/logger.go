// Package audit records session lifecycle events as durable audit_logs rows.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketplace-auth/backend/internal/audit/domain"
	auditrepo "marketplace-auth/backend/internal/audit/repository"
	"marketplace-auth/backend/internal/logger"
	telemetrydomain "marketplace-auth/backend/internal/telemetry/domain"
)

// Logger is a telemetry.EventEmitter that writes each event to the audit repository.
type Logger struct {
	repo auditrepo.Repository
	log  *zap.Logger
	now  func() time.Time
}

// NewLogger returns a Logger over repo. log may be nil.
func NewLogger(repo auditrepo.Repository, log *zap.Logger) *Logger {
	return &Logger{repo: repo, log: logger.OrNop(log), now: time.Now}
}

// Emit writes one audit log entry. Failures are logged and returned so a fan-out can report them;
// they never affect the session operation that produced the event.
func (l *Logger) Emit(ctx context.Context, event *telemetrydomain.Event) error {
	if l == nil || l.repo == nil || event == nil {
		return nil
	}
	createdAt := event.OccurredAt
	if createdAt.IsZero() {
		createdAt = l.now()
	}
	entry := &domain.AuditLog{
		ID:        uuid.New().String(),
		UserID:    event.UserID,
		SessionID: event.SessionID,
		Action:    ActionFor(event.Type),
		IPAddress: event.IPAddress,
		UserAgent: event.UserAgent,
		Metadata:  metadataFor(event),
		CreatedAt: createdAt.UTC(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		l.log.Warn("audit: failed to write event", zap.String("action", entry.Action), zap.Error(err))
		return fmt.Errorf("audit: %w", err)
	}
	return nil
}
