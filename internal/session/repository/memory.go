package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketplace-auth/backend/internal/session/domain"
)

// MemoryRepository is an in-process Repository for tests and single-node development.
// Sessions do not survive a restart.
type MemoryRepository struct {
	mu sync.RWMutex
	m  map[string]*domain.Session
}

// NewMemoryRepository returns an empty in-memory session repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{m: make(map[string]*domain.Session)}
}

// Create stores a copy of s.
func (r *MemoryRepository) Create(ctx context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[s.ID]; ok {
		return ErrDuplicateID
	}
	r.m[s.ID] = cloneSession(s)
	return nil
}

// GetByID returns a copy of the session, or nil if not found.
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(s), nil
}

// Revoke sets RevokedAt if it is not already set.
func (r *MemoryRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.m[id]; ok && s.RevokedAt == nil {
		t := at.UTC()
		s.RevokedAt = &t
	}
	return nil
}

// RevokeAllByUser revokes every unrevoked session of userID.
func (r *MemoryRepository) RevokeAllByUser(ctx context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := at.UTC()
	for _, s := range r.m {
		if s.UserID == userID && s.RevokedAt == nil {
			revokedAt := t
			s.RevokedAt = &revokedAt
		}
	}
	return nil
}

// RotateRefresh swaps the refresh jti under the write lock.
func (r *MemoryRepository) RotateRefresh(ctx context.Context, p RotateParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[p.SessionID]
	if !ok || !s.IsActive(p.Now) || s.RefreshJti != p.ExpectedJti {
		return false, nil
	}
	now := p.Now.UTC()
	rotated, seen := now, now
	s.PreviousRefreshJti = s.RefreshJti
	s.RefreshJti = p.NewJti
	s.RefreshTokenHash = p.NewHash
	s.RotatedAt = &rotated
	s.LastSeenAt = &seen
	if !p.NewExpiresAt.IsZero() {
		s.ExpiresAt = p.NewExpiresAt.UTC()
	}
	s.Generation++
	return true, nil
}

// ConsumePrevious clears PreviousRefreshJti under the write lock.
func (r *MemoryRepository) ConsumePrevious(ctx context.Context, id, jti string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[id]
	if !ok || !s.IsActive(now) || jti == "" || s.PreviousRefreshJti != jti {
		return false, nil
	}
	s.PreviousRefreshJti = ""
	return true, nil
}

// Touch updates LastSeenAt of an unrevoked session.
func (r *MemoryRepository) Touch(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.m[id]; ok && s.RevokedAt == nil {
		t := at.UTC()
		s.LastSeenAt = &t
	}
	return nil
}

// ListByUser returns copies of the user's active sessions, newest first.
func (r *MemoryRepository) ListByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	r.mu.RLock()
	out := make([]*domain.Session, 0)
	for _, s := range r.m {
		if s.UserID == userID && s.IsActive(now) {
			out = append(out, cloneSession(s))
		}
	}
	r.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

// DeleteExpired removes sessions that expired before the cutoff.
func (r *MemoryRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.m {
		if s.ExpiresAt.Before(before) {
			delete(r.m, id)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (r *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

func cloneSession(s *domain.Session) *domain.Session {
	c := *s
	c.RevokedAt = cloneTime(s.RevokedAt)
	c.LastSeenAt = cloneTime(s.LastSeenAt)
	c.RotatedAt = cloneTime(s.RotatedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func sortNewestFirst(list []*domain.Session) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
