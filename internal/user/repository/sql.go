package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"marketplace-auth/backend/internal/db"
	"marketplace-auth/backend/internal/user/domain"
)

// SQLRepository stores users in Postgres or SQLite.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository returns a user repository that uses the given db for persistence.
func NewSQLRepository(conn *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: conn}
}

type userRow struct {
	ID           string    `db:"id"`
	Email        string    `db:"email"`
	Name         string    `db:"name"`
	Role         string    `db:"role"`
	Status       string    `db:"status"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

const userColumns = `id, email, name, role, status, password_hash, created_at, updated_at`

// GetByID returns the user for id, or nil if not found.
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetByEmail returns the user for the normalized email, or nil if not found.
func (r *SQLRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, domain.NormalizeEmail(email))
}

// Create validates and persists u. Returns ErrEmailTaken on a duplicate email.
func (r *SQLRepository) Create(ctx context.Context, u *domain.User) error {
	u.Email = domain.NormalizeEmail(u.Email)
	if err := u.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		u.ID, u.Email, u.Name, string(u.Role), string(u.Status), u.PasswordHash, u.CreatedAt.UTC(), u.UpdatedAt.UTC())
	if db.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

func (r *SQLRepository) getOne(ctx context.Context, query string, arg string) (*domain.User, error) {
	var row userRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &domain.User{
		ID:           row.ID,
		Email:        row.Email,
		Name:         row.Name,
		Role:         domain.Role(row.Role),
		Status:       domain.UserStatus(row.Status),
		PasswordHash: row.PasswordHash,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}, nil
}
