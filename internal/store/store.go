// Package store opens the repositories selected by SESSION_STORE. The server and the worker share it.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	auditrepo "marketplace-auth/backend/internal/audit/repository"
	"marketplace-auth/backend/internal/config"
	"marketplace-auth/backend/internal/db"
	"marketplace-auth/backend/internal/db/migrate"
	sessionrepo "marketplace-auth/backend/internal/session/repository"
	userrepo "marketplace-auth/backend/internal/user/repository"
)

// Stores are the repositories for one process. Audit is nil unless a SQL database is configured.
type Stores struct {
	Sessions sessionrepo.Repository
	Users    userrepo.Repository
	Audit    auditrepo.Repository

	closers []func() error
}

// Close releases every connection Open made.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Open connects the configured session store. Users and audit logs live in the SQL database when one
// is configured (always for postgres and sqlite, via DATABASE_URL for redis) and in memory otherwise.
// SQLite databases are migrated on open; Postgres is migrated by cmd/migrate.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Stores, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Stores{}
	var sqlDB *sqlx.DB

	switch cfg.SessionStore {
	case config.StorePostgres:
		conn, err := db.Open(db.DialectPostgres, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		s.closers = append(s.closers, conn.Close)
		sqlDB = conn
		s.Sessions = sessionrepo.NewSQLRepository(conn)
	case config.StoreSQLite:
		conn, err := db.Open(db.DialectSQLite, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		s.closers = append(s.closers, conn.Close)
		if err := migrate.Apply(conn.DB, db.DialectSQLite); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			_ = s.Close()
			return nil, fmt.Errorf("store: migrate sqlite: %w", err)
		}
		sqlDB = conn
		s.Sessions = sessionrepo.NewSQLRepository(conn)
	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("store: parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		s.closers = append(s.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("store: ping redis: %w", err)
		}
		s.Sessions = sessionrepo.NewRedisRepository(rdb)
		if cfg.DatabaseURL != "" {
			conn, err := db.Open(db.DialectPostgres, cfg.DatabaseURL)
			if err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("store: open postgres: %w", err)
			}
			s.closers = append(s.closers, conn.Close)
			sqlDB = conn
		}
	case config.StoreMemory:
		log.Warn("store: sessions and users are kept in memory and lost on restart")
		s.Sessions = sessionrepo.NewMemoryRepository()
	default:
		return nil, fmt.Errorf("store: unknown SESSION_STORE %q", cfg.SessionStore)
	}

	if sqlDB != nil {
		s.Users = userrepo.NewSQLRepository(sqlDB)
		s.Audit = auditrepo.NewSQLRepository(sqlDB)
	} else {
		s.Users = userrepo.NewMemoryRepository()
	}
	return s, nil
}
