// Package migrate runs database migrations from embedded SQL files using golang-migrate.
package migrate

import (
	"database/sql"
	"errors"
	"fmt"

	"marketplace-auth/backend/internal/db"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// ErrNoChange is returned when Up/Down has nothing to do (already at target version).
var ErrNoChange = migrate.ErrNoChange

// Run applies migrations for dialect in the given direction using the provided DSN.
// direction must be "up" or "down". Returns nil on success, including when already at the
// target version; other errors for DB or I/O failures.
func Run(dialect, dsn, direction string) error {
	if dsn == "" {
		return errors.New("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}
	src, err := sourceFor(dialect)
	if err != nil {
		return err
	}

	url := dsn
	if dialect == db.DialectSQLite {
		url = "sqlite://" + db.SQLiteDSN(dsn)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()
	return step(m, direction)
}

// Apply migrates an already open handle up to the latest version. Used by repository tests
// and by the server when SESSION_STORE=sqlite. The handle is left open.
func Apply(conn *sql.DB, dialect string) error {
	src, err := sourceFor(dialect)
	if err != nil {
		return err
	}
	var driver database.Driver
	switch dialect {
	case db.DialectPostgres:
		driver, err = postgres.WithInstance(conn, &postgres.Config{})
	case db.DialectSQLite:
		driver, err = sqlite.WithInstance(conn, &sqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, dialect, driver)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	// m.Close is not called: both drivers close the *sql.DB they were given.
	return step(m, "up")
}

func sourceFor(dialect string) (source.Driver, error) {
	switch dialect {
	case db.DialectPostgres, db.DialectSQLite:
	default:
		return nil, fmt.Errorf("%w %q", db.ErrUnknownDialect, dialect)
	}
	src, err := iofs.New(db.MigrationFS, "migrations/"+dialect)
	if err != nil {
		return nil, fmt.Errorf("migrate source: %w", err)
	}
	return src, nil
}

func step(m *migrate.Migrate, direction string) error {
	var err error
	if direction == "down" {
		err = m.Down()
	} else {
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
