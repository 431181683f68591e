package repository

import (
	"context"
	"errors"
	"time"

	"marketplace-auth/backend/internal/session/domain"
)

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks marketplace-auth/backend/internal/session/repository Repository

// ErrDuplicateID is returned by Create when a session with the same id already exists.
var ErrDuplicateID = errors.New("session id already exists")

// RotateParams describes one refresh rotation. The swap only happens while the session is
// unrevoked, unexpired at Now, and still holds ExpectedJti as its current refresh jti.
type RotateParams struct {
	SessionID   string
	ExpectedJti string
	NewJti      string
	NewHash     string
	Now         time.Time
	// NewExpiresAt slides the session expiry forward when non-zero.
	NewExpiresAt time.Time
}

// Repository defines persistence for sessions. Every mutation is atomic per session id.
type Repository interface {
	// Create persists s. Returns ErrDuplicateID if s.ID is taken.
	Create(ctx context.Context, s *domain.Session) error
	// GetByID returns the session for id, or (nil, nil) if not found.
	// It returns an error only for storage failures, not for missing rows.
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	// Revoke sets revoked_at once; later calls and unknown ids are no-ops.
	Revoke(ctx context.Context, id string, at time.Time) error
	// RevokeAllByUser revokes every unrevoked session of userID.
	RevokeAllByUser(ctx context.Context, userID string, at time.Time) error
	// RotateRefresh swaps the current refresh jti for a new one. Returns false when the compare failed.
	RotateRefresh(ctx context.Context, p RotateParams) (bool, error)
	// ConsumePrevious clears previous_refresh_jti if it still equals jti and the session is active at
	// now. Returns false when another caller consumed it first or the session is no longer active.
	ConsumePrevious(ctx context.Context, id, jti string, now time.Time) (bool, error)
	// Touch updates last_seen_at of an unrevoked session.
	Touch(ctx context.Context, id string, at time.Time) error
	// ListByUser returns the user's sessions that are active at now, newest first.
	ListByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error)
	// DeleteExpired removes sessions that expired before the cutoff and returns how many were removed.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
