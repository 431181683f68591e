package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"marketplace-auth/backend/internal/db"
	"marketplace-auth/backend/internal/session/domain"
)

// SQLRepository stores sessions in Postgres or SQLite through sqlx. Queries are written with
// '?' placeholders and rebound for the driver.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository returns a session repository that uses the given db for persistence.
func NewSQLRepository(conn *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: conn}
}

type sessionRow struct {
	ID                 string         `db:"id"`
	UserID             string         `db:"user_id"`
	CreatedAt          time.Time      `db:"created_at"`
	ExpiresAt          time.Time      `db:"expires_at"`
	RevokedAt          sql.NullTime   `db:"revoked_at"`
	LastSeenAt         sql.NullTime   `db:"last_seen_at"`
	RefreshJti         string         `db:"refresh_jti"`
	RefreshTokenHash   string         `db:"refresh_token_hash"`
	PreviousRefreshJti string         `db:"previous_refresh_jti"`
	RotatedAt          sql.NullTime   `db:"rotated_at"`
	Generation         int64          `db:"generation"`
	UserAgent          sql.NullString `db:"user_agent"`
	IPAddress          sql.NullString `db:"ip_address"`
}

const sessionColumns = `id, user_id, created_at, expires_at, revoked_at, last_seen_at, refresh_jti,
	refresh_token_hash, previous_refresh_jti, rotated_at, generation, user_agent, ip_address`

// Create persists the session to the database. The session must have ID set.
func (r *SQLRepository) Create(ctx context.Context, s *domain.Session) error {
	q := r.db.Rebind(`INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, q,
		s.ID, s.UserID, s.CreatedAt.UTC(), s.ExpiresAt.UTC(),
		timeToNullTime(s.RevokedAt), timeToNullTime(s.LastSeenAt),
		s.RefreshJti, s.RefreshTokenHash, s.PreviousRefreshJti, timeToNullTime(s.RotatedAt),
		s.Generation, s.UserAgent, s.IPAddress,
	)
	if db.IsUniqueViolation(err) {
		return ErrDuplicateID
	}
	return err
}

// GetByID returns the session for id, or nil if not found.
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	var row sessionRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// Revoke marks the session as revoked. The first revocation time wins.
func (r *SQLRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		r.db.Rebind(`UPDATE sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`),
		at.UTC(), id)
	return err
}

// RevokeAllByUser revokes all unrevoked sessions for the given user.
func (r *SQLRepository) RevokeAllByUser(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		r.db.Rebind(`UPDATE sessions SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL`),
		at.UTC(), userID)
	return err
}

// RotateRefresh performs the compare-and-swap as a single UPDATE; the row is changed only if
// refresh_jti still equals p.ExpectedJti.
func (r *SQLRepository) RotateRefresh(ctx context.Context, p RotateParams) (bool, error) {
	now := p.Now.UTC()
	// A NULL new expiry keeps the current one.
	var newExpiry *time.Time
	if !p.NewExpiresAt.IsZero() {
		t := p.NewExpiresAt.UTC()
		newExpiry = &t
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE sessions SET
			previous_refresh_jti = refresh_jti,
			refresh_jti = ?,
			refresh_token_hash = ?,
			rotated_at = ?,
			last_seen_at = ?,
			expires_at = COALESCE(?, expires_at),
			generation = generation + 1
		WHERE id = ? AND refresh_jti = ? AND revoked_at IS NULL AND expires_at > ?`),
		p.NewJti, p.NewHash, now, now, newExpiry, p.SessionID, p.ExpectedJti, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ConsumePrevious clears previous_refresh_jti with a single conditional UPDATE.
func (r *SQLRepository) ConsumePrevious(ctx context.Context, id, jti string, now time.Time) (bool, error) {
	if jti == "" {
		return false, nil
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE sessions SET previous_refresh_jti = ''
		WHERE id = ? AND previous_refresh_jti = ? AND revoked_at IS NULL AND expires_at > ?`),
		id, jti, now.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Touch sets the session's last-seen timestamp.
func (r *SQLRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		r.db.Rebind(`UPDATE sessions SET last_seen_at = ? WHERE id = ? AND revoked_at IS NULL`),
		at.UTC(), id)
	return err
}

// ListByUser returns the user's active sessions, newest first.
func (r *SQLRepository) ListByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	var rows []sessionRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND revoked_at IS NULL AND expires_at > ?
		ORDER BY created_at DESC, id`), userID, now.UTC())
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Session, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// DeleteExpired removes sessions whose expiry is before the cutoff.
func (r *SQLRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM sessions WHERE expires_at < ?`), before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ping checks the database connection.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (row *sessionRow) toDomain() *domain.Session {
	return &domain.Session{
		ID:                 row.ID,
		UserID:             row.UserID,
		CreatedAt:          row.CreatedAt.UTC(),
		ExpiresAt:          row.ExpiresAt.UTC(),
		RevokedAt:          nullTimeToPtr(row.RevokedAt),
		LastSeenAt:         nullTimeToPtr(row.LastSeenAt),
		RefreshJti:         row.RefreshJti,
		RefreshTokenHash:   row.RefreshTokenHash,
		PreviousRefreshJti: row.PreviousRefreshJti,
		RotatedAt:          nullTimeToPtr(row.RotatedAt),
		Generation:         row.Generation,
		UserAgent:          row.UserAgent.String,
		IPAddress:          row.IPAddress.String,
	}
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullTimeToPtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}
