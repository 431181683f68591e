package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"marketplace-auth/backend/internal/db"
	"marketplace-auth/backend/internal/db/migrate"
)

// Integration tests start real Postgres and Redis containers.
// Run with: GO_TEST_INTEGRATION=1 go test ./internal/session/repository -run Integration -v -count=1

func skipUnlessIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("GO_TEST_INTEGRATION") == "" {
		t.Skip("integration tests are disabled (set GO_TEST_INTEGRATION=1)")
	}
}

func startContainer(t *testing.T, req tc.ContainerRequest, port nat.Port) (string, string) {
	t.Helper()
	ctx := context.Background()
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err)
	return host, mapped.Port()
}

func TestIntegration_PostgresContract(t *testing.T) {
	skipUnlessIntegration(t)
	host, port := startContainer(t, tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_USER": "user", "POSTGRES_PASSWORD": "pass", "POSTGRES_DB": "db"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}, "5432/tcp")
	dsn := fmt.Sprintf("postgres://user:pass@%s:%s/db?sslmode=disable", host, port)
	require.NoError(t, migrate.Run(db.DialectPostgres, dsn, "up"))

	conn, err := db.Open(db.DialectPostgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	runRepositoryContract(t, func(t *testing.T) Repository {
		_, err := conn.Exec("TRUNCATE sessions")
		require.NoError(t, err)
		return NewSQLRepository(conn)
	})
}

func TestIntegration_RedisContract(t *testing.T) {
	skipUnlessIntegration(t)
	host, port := startContainer(t, tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
	}, "6379/tcp")
	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port})
	t.Cleanup(func() { _ = rdb.Close() })

	runRepositoryContract(t, func(t *testing.T) Repository {
		require.NoError(t, rdb.FlushDB(context.Background()).Err())
		return NewRedisRepository(rdb)
	})
}
