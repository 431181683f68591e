// migrate applies the embedded migrations for the configured SQL store.
package main

import (
	"flag"
	"fmt"
	"os"

	"marketplace-auth/backend/internal/config"
	"marketplace-auth/backend/internal/db"
	"marketplace-auth/backend/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	dialect, dsn := db.DialectPostgres, cfg.DatabaseURL
	if cfg.SessionStore == config.StoreSQLite {
		dialect, dsn = db.DialectSQLite, cfg.SQLitePath
	}
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL (or SQLITE_PATH with SESSION_STORE=sqlite) is not set")
		os.Exit(1)
	}

	if err := migrate.Run(dialect, dsn, *direction); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
