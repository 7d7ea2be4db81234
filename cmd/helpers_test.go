package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/config"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/database"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
)

// setupTestDatabase starts a PostgreSQL container and returns a migrated
// store plus its DSN. Skipped in -short mode.
func setupTestDatabase(t *testing.T) (core.ResultStore, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("cassandra_test"),
		postgres.WithUsername("cassandra_test"),
		postgres.WithPassword("cassandra_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	store, err := database.NewStore(ctx, config.DatabaseConfig{Driver: "postgres", DSN: dsn}, logger.NewNop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, dsn
}
