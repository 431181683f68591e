package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-auth/backend/internal/audit/domain"
	"marketplace-auth/backend/internal/db"
	"marketplace-auth/backend/internal/db/migrate"
)

func newSQLiteRepo(t *testing.T) *SQLRepository {
	t.Helper()
	conn, err := db.Open(db.DialectSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Apply(conn.DB, db.DialectSQLite))
	return NewSQLRepository(conn)
}

func TestSQLRepository_CreateAndList(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, action := range []string{"login", "refresh", "logout"} {
		require.NoError(t, repo.Create(ctx, &domain.AuditLog{
			ID:        action + "-id",
			UserID:    "u-1",
			SessionID: "s-1",
			Action:    action,
			IPAddress: "203.0.113.9",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.Create(ctx, &domain.AuditLog{ID: "other", UserID: "u-2", Action: "login", CreatedAt: base}))

	list, err := repo.ListByUser(ctx, "u-1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "logout", list[0].Action)
	assert.Equal(t, "refresh", list[1].Action)
	assert.Equal(t, "s-1", list[0].SessionID)
	assert.True(t, list[0].CreatedAt.Equal(base.Add(2*time.Minute)))

	none, err := repo.ListByUser(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
