// Package db opens the SQL handles used by the session, user and audit repositories.
package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialects accepted by Open and the migrate runner.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// ErrUnknownDialect is returned for a dialect other than postgres or sqlite.
var ErrUnknownDialect = errors.New("db: unknown dialect")

func init() {
	// modernc registers as "sqlite", which sqlx does not know; queries are written with '?'.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Open opens a connection for dialect using dsn and pings it. Caller must call Close when done.
// For sqlite, dsn is a file path or ":memory:".
func Open(dialect, dsn string) (*sqlx.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("db: dsn is empty")
	}
	var (
		db  *sqlx.DB
		err error
	)
	switch dialect {
	case DialectPostgres:
		db, err = sqlx.Open("pgx", dsn)
	case DialectSQLite:
		db, err = sqlx.Open("sqlite", SQLiteDSN(dsn))
		if err == nil {
			// One writer at a time; also keeps a ":memory:" database alive on a single connection.
			db.SetMaxOpenConns(1)
			db.SetConnMaxLifetime(0)
		}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownDialect, dialect)
	}
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// SQLiteDSN appends the pragmas every sqlite connection needs to path, unless path already has a query.
func SQLiteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
}
