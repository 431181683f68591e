package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"marketplace-auth/backend/internal/audit/domain"
)

// SQLRepository stores audit logs in Postgres or SQLite.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository returns an audit log repository that uses the given db for persistence.
func NewSQLRepository(conn *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: conn}
}

type auditRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	SessionID string    `db:"session_id"`
	Action    string    `db:"action"`
	IPAddress string    `db:"ip_address"`
	UserAgent string    `db:"user_agent"`
	Metadata  string    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

const auditColumns = `id, user_id, session_id, action, ip_address, user_agent, metadata, created_at`

// Create persists a. The audit log must have ID set.
func (r *SQLRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO audit_logs (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.UserID, a.SessionID, a.Action, a.IPAddress, a.UserAgent, a.Metadata, a.CreatedAt.UTC())
	return err
}

// ListByUser returns the newest entries for userID.
func (r *SQLRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []auditRow
	err := r.db.SelectContext(ctx, &rows,
		r.db.Rebind(`SELECT `+auditColumns+` FROM audit_logs WHERE user_id = ? ORDER BY created_at DESC, id LIMIT ?`),
		userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.AuditLog, len(rows))
	for i, row := range rows {
		out[i] = &domain.AuditLog{
			ID:        row.ID,
			UserID:    row.UserID,
			SessionID: row.SessionID,
			Action:    row.Action,
			IPAddress: row.IPAddress,
			UserAgent: row.UserAgent,
			Metadata:  row.Metadata,
			CreatedAt: row.CreatedAt.UTC(),
		}
	}
	return out, nil
}
