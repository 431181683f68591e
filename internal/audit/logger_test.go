package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketplace-auth/backend/internal/audit/domain"
	telemetrydomain "marketplace-auth/backend/internal/telemetry/domain"
)

// mockAuditRepo implements the audit repository interface for tests.
type mockAuditRepo struct {
	entries   []*domain.AuditLog
	createErr error
}

func (m *mockAuditRepo) Create(ctx context.Context, entry *domain.AuditLog) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockAuditRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.AuditLog, error) {
	return nil, nil
}

func TestLogger_Emit_Success(t *testing.T) {
	repo := &mockAuditRepo{}
	logger := NewLogger(repo, nil)
	occurred := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	err := logger.Emit(context.Background(), &telemetrydomain.Event{
		Type:       telemetrydomain.EventReuseDetected,
		UserID:     "user-1",
		SessionID:  "sess-1",
		IPAddress:  "192.168.1.1",
		UserAgent:  "curl/8",
		Reason:     "superseded_refresh_token",
		Source:     "session-manager",
		OccurredAt: occurred,
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	entry := repo.entries[0]
	if entry.ID == "" {
		t.Error("id should be generated")
	}
	if entry.UserID != "user-1" || entry.SessionID != "sess-1" {
		t.Errorf("user/session = %q/%q, want user-1/sess-1", entry.UserID, entry.SessionID)
	}
	if entry.Action != "refresh_reuse" {
		t.Errorf("action = %q, want %q", entry.Action, "refresh_reuse")
	}
	if entry.IPAddress != "192.168.1.1" || entry.UserAgent != "curl/8" {
		t.Errorf("ip/ua = %q/%q", entry.IPAddress, entry.UserAgent)
	}
	if entry.Metadata != `{"reason":"superseded_refresh_token","source":"session-manager"}` {
		t.Errorf("metadata = %q", entry.Metadata)
	}
	if !entry.CreatedAt.Equal(occurred) {
		t.Errorf("created_at = %v, want %v", entry.CreatedAt, occurred)
	}
}

func TestLogger_Emit_DefaultsCreatedAt(t *testing.T) {
	repo := &mockAuditRepo{}
	logger := NewLogger(repo, nil)
	fixed := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	logger.now = func() time.Time { return fixed }

	if err := logger.Emit(context.Background(), &telemetrydomain.Event{Type: telemetrydomain.EventLogout}); err != nil {
		t.Fatal(err)
	}
	if !repo.entries[0].CreatedAt.Equal(fixed) {
		t.Errorf("created_at = %v, want %v", repo.entries[0].CreatedAt, fixed)
	}
	if repo.entries[0].Metadata != "" {
		t.Errorf("metadata = %q, want empty", repo.entries[0].Metadata)
	}
}

func TestLogger_Emit_RepoError(t *testing.T) {
	repoErr := errors.New("disk full")
	logger := NewLogger(&mockAuditRepo{createErr: repoErr}, nil)

	err := logger.Emit(context.Background(), &telemetrydomain.Event{Type: telemetrydomain.EventLogin})
	if !errors.Is(err, repoErr) {
		t.Errorf("err = %v, want wrapping %v", err, repoErr)
	}
}

func TestLogger_Emit_NilSafe(t *testing.T) {
	var nilLogger *Logger
	if err := nilLogger.Emit(context.Background(), &telemetrydomain.Event{}); err != nil {
		t.Errorf("nil logger: %v", err)
	}
	if err := NewLogger(nil, nil).Emit(context.Background(), &telemetrydomain.Event{}); err != nil {
		t.Errorf("nil repo: %v", err)
	}
	if err := NewLogger(&mockAuditRepo{}, nil).Emit(context.Background(), nil); err != nil {
		t.Errorf("nil event: %v", err)
	}
}
