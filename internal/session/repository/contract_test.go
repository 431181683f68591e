package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-auth/backend/internal/session/domain"
)

// contractNow tracks the wall clock because Redis expires keys in real time.
var contractNow = time.Now().UTC().Truncate(time.Second)

func newTestSession(userID string, createdAt time.Time) *domain.Session {
	return &domain.Session{
		ID:               uuid.NewString(),
		UserID:           userID,
		CreatedAt:        createdAt,
		ExpiresAt:        createdAt.Add(14 * 24 * time.Hour),
		RefreshJti:       "jti-0",
		RefreshTokenHash: "hash-0",
		UserAgent:        "Mozilla/5.0",
		IPAddress:        "203.0.113.7",
	}
}

// runRepositoryContract exercises behavior every Repository implementation must share.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("CreateAndGet", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		s := newTestSession("u1", contractNow)
		require.NoError(t, repo.Create(ctx, s))

		got, err := repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, s.UserID, got.UserID)
		assert.Equal(t, "jti-0", got.RefreshJti)
		assert.Equal(t, "hash-0", got.RefreshTokenHash)
		assert.Equal(t, "203.0.113.7", got.IPAddress)
		assert.True(t, got.ExpiresAt.Equal(s.ExpiresAt), "ExpiresAt = %v, want %v", got.ExpiresAt, s.ExpiresAt)
		assert.Nil(t, got.RevokedAt)
		assert.True(t, got.IsActive(contractNow))
	})

	t.Run("GetMissing", func(t *testing.T) {
		repo := newRepo(t)
		got, err := repo.GetByID(context.Background(), "does-not-exist")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("DuplicateID", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		s := newTestSession("u1", contractNow)
		require.NoError(t, repo.Create(ctx, s))
		err := repo.Create(ctx, s)
		assert.True(t, errors.Is(err, ErrDuplicateID), "err = %v, want ErrDuplicateID", err)
	})

	t.Run("RevokeIsMonotonicAndIdempotent", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		s := newTestSession("u1", contractNow)
		require.NoError(t, repo.Create(ctx, s))

		first := contractNow.Add(time.Minute)
		require.NoError(t, repo.Revoke(ctx, s.ID, first))
		require.NoError(t, repo.Revoke(ctx, s.ID, first.Add(time.Hour)))
		require.NoError(t, repo.Revoke(ctx, "unknown-id", first))

		got, err := repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		require.NotNil(t, got.RevokedAt)
		assert.True(t, got.RevokedAt.Equal(first), "RevokedAt = %v, want first revocation %v", got.RevokedAt, first)
		assert.False(t, got.IsActive(contractNow))

		// A revoked session cannot be rotated or touched back to life.
		ok, err := repo.RotateRefresh(ctx, RotateParams{SessionID: s.ID, ExpectedJti: "jti-0", NewJti: "jti-1", NewHash: "hash-1", Now: contractNow})
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, repo.Touch(ctx, s.ID, contractNow.Add(2*time.Hour)))
		got, err = repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.RevokedAt)
		assert.Equal(t, "jti-0", got.RefreshJti)
	})

	t.Run("RevokeAllByUser", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		a := newTestSession("u1", contractNow)
		b := newTestSession("u1", contractNow.Add(time.Second))
		other := newTestSession("u2", contractNow)
		for _, s := range []*domain.Session{a, b, other} {
			require.NoError(t, repo.Create(ctx, s))
		}
		require.NoError(t, repo.RevokeAllByUser(ctx, "u1", contractNow))

		for _, id := range []string{a.ID, b.ID} {
			got, err := repo.GetByID(ctx, id)
			require.NoError(t, err)
			assert.NotNil(t, got.RevokedAt, "session %s not revoked", id)
		}
		got, err := repo.GetByID(ctx, other.ID)
		require.NoError(t, err)
		assert.Nil(t, got.RevokedAt, "other user's session revoked")
	})

	t.Run("RotateRefresh", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		s := newTestSession("u1", contractNow)
		require.NoError(t, repo.Create(ctx, s))

		at := contractNow.Add(20 * time.Minute)
		ok, err := repo.RotateRefresh(ctx, RotateParams{SessionID: s.ID, ExpectedJti: "jti-0", NewJti: "jti-1", NewHash: "hash-1", Now: at})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, "jti-1", got.RefreshJti)
		assert.Equal(t, "hash-1", got.RefreshTokenHash)
		assert.Equal(t, "jti-0", got.PreviousRefreshJti)
		assert.Equal(t, int64(1), got.Generation)
		require.NotNil(t, got.RotatedAt)
		assert.True(t, got.RotatedAt.Equal(at))
		require.NotNil(t, got.LastSeenAt)

		// The stale jti loses the compare.
		ok, err = repo.RotateRefresh(ctx, RotateParams{SessionID: s.ID, ExpectedJti: "jti-0", NewJti: "jti-x", NewHash: "hash-x", Now: at})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = repo.RotateRefresh(ctx, RotateParams{SessionID: "missing", ExpectedJti: "jti-0", NewJti: "jti-x", NewHash: "hash-x", Now: at})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("RotateRefreshSlidesExpiry", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		s := newTestSession("u1", contractNow)
		require.NoError(t, repo.Create(ctx, s))

		at := contractNow.Add(time.Minute)
		extended := s.ExpiresAt.Add(time.Hour)
		ok, err := repo.RotateRefresh(ctx, RotateParams{
			SessionID: s.ID, ExpectedJti: "jti-0", NewJti: "jti-1", NewHash: "hash-1", Now: at, NewExpiresAt: extended,
		})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.ExpiresAt.Equal(extended), "expires_at = %v, want %v", got.ExpiresAt, extended)
	})

	t.Run("RotateRefreshConcurrentSingleWinner", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		s := newTestSession("u1", contractNow)
		require.NoError(t, repo.Create(ctx, s))

		const workers = 8
		var wg sync.WaitGroup
		wins := make(chan string, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				jti := uuid.NewString()
				ok, err := repo.RotateRefresh(ctx, RotateParams{SessionID: s.ID, ExpectedJti: "jti-0", NewJti: jti, NewHash: "h", Now: contractNow})
				if err == nil && ok {
					wins <- jti
				}
			}(i)
		}
		wg.Wait()
		close(wins)

		var winners []string
		for jti := range wins {
			winners = append(winners, jti)
		}
		require.Len(t, winners, 1)
		got, err := repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, winners[0], got.RefreshJti)
		assert.Equal(t, int64(1), got.Generation)
	})

	t.Run("ConsumePreviousOnce", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		s := newTestSession("u1", contractNow)
		require.NoError(t, repo.Create(ctx, s))

		ok, err := repo.ConsumePrevious(ctx, s.ID, "jti-0", contractNow)
		require.NoError(t, err)
		assert.False(t, ok, "nothing to consume before the first rotation")

		ok, err = repo.RotateRefresh(ctx, RotateParams{SessionID: s.ID, ExpectedJti: "jti-0", NewJti: "jti-1", NewHash: "hash-1", Now: contractNow})
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = repo.ConsumePrevious(ctx, s.ID, "jti-other", contractNow)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = repo.ConsumePrevious(ctx, s.ID, "jti-0", contractNow)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.ConsumePrevious(ctx, s.ID, "jti-0", contractNow)
		require.NoError(t, err)
		assert.False(t, ok, "second consume must lose")

		got, err := repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, "", got.PreviousRefreshJti)
		assert.Equal(t, "jti-1", got.RefreshJti)
	})

	t.Run("ConsumePreviousConcurrentSingleWinner", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		s := newTestSession("u1", contractNow)
		require.NoError(t, repo.Create(ctx, s))
		ok, err := repo.RotateRefresh(ctx, RotateParams{SessionID: s.ID, ExpectedJti: "jti-0", NewJti: "jti-1", NewHash: "hash-1", Now: contractNow})
		require.NoError(t, err)
		require.True(t, ok)

		const workers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, err := repo.ConsumePrevious(ctx, s.ID, "jti-0", contractNow); err == nil && ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("ConsumePreviousRevoked", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		s := newTestSession("u1", contractNow)
		require.NoError(t, repo.Create(ctx, s))
		ok, err := repo.RotateRefresh(ctx, RotateParams{SessionID: s.ID, ExpectedJti: "jti-0", NewJti: "jti-1", NewHash: "hash-1", Now: contractNow})
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, repo.Revoke(ctx, s.ID, contractNow))

		ok, err = repo.ConsumePrevious(ctx, s.ID, "jti-0", contractNow)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Touch", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		s := newTestSession("u1", contractNow)
		require.NoError(t, repo.Create(ctx, s))
		at := contractNow.Add(5 * time.Minute)
		require.NoError(t, repo.Touch(ctx, s.ID, at))
		got, err := repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastSeenAt)
		assert.True(t, got.LastSeenAt.Equal(at))
	})

	t.Run("ListByUser", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		older := newTestSession("u1", contractNow.Add(-time.Hour))
		newer := newTestSession("u1", contractNow)
		revoked := newTestSession("u1", contractNow.Add(-2*time.Hour))
		expired := newTestSession("u1", contractNow.Add(-30*24*time.Hour))
		other := newTestSession("u2", contractNow)
		for _, s := range []*domain.Session{older, newer, revoked, expired, other} {
			require.NoError(t, repo.Create(ctx, s))
		}
		require.NoError(t, repo.Revoke(ctx, revoked.ID, contractNow))

		list, err := repo.ListByUser(ctx, "u1", contractNow)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, newer.ID, list[0].ID)
		assert.Equal(t, older.ID, list[1].ID)

		list, err = repo.ListByUser(ctx, "nobody", contractNow)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		live := newTestSession("u1", contractNow)
		old := newTestSession("u1", contractNow.Add(-60*24*time.Hour))
		require.NoError(t, repo.Create(ctx, live))
		require.NoError(t, repo.Create(ctx, old))

		n, err := repo.DeleteExpired(ctx, contractNow)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := repo.GetByID(ctx, old.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
		got, err = repo.GetByID(ctx, live.ID)
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, newRepo(t).Ping(context.Background()))
	})
}
