package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/jmoiron/sqlx"
)

// Migration is one forward-only schema step.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// MigrationRunner applies pending migrations in version order, each in its
// own transaction.
type MigrationRunner struct {
	db  *sqlx.DB
	log *logger.Logger
}

func NewMigrationRunner(db *sqlx.DB, log *logger.Logger) *MigrationRunner {
	return &MigrationRunner{
		db:  db,
		log: log,
	}
}

// GetAllMigrations lists the result store schema, oldest first.
func GetAllMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create scan_results table",
			Up: `
				CREATE TABLE IF NOT EXISTS scan_results (
					id BIGSERIAL PRIMARY KEY,
					target TEXT NOT NULL,
					scan_type TEXT NOT NULL,
					severity TEXT NOT NULL,
					details JSONB,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create found_secrets table",
			Up: `
				CREATE TABLE IF NOT EXISTS found_secrets (
					id BIGSERIAL PRIMARY KEY,
					target TEXT NOT NULL,
					secret_type TEXT NOT NULL,
					value TEXT NOT NULL,
					source_url TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (target, value)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create found_endpoints table",
			Up: `
				CREATE TABLE IF NOT EXISTS found_endpoints (
					id BIGSERIAL PRIMARY KEY,
					target TEXT NOT NULL,
					endpoint TEXT NOT NULL,
					source_url TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (target, endpoint)
				);
			`,
		},
		{
			Version:     4,
			Description: "Index result lookups by target",
			Up: `
				CREATE INDEX IF NOT EXISTS idx_scan_results_target ON scan_results(target);
				CREATE INDEX IF NOT EXISTS idx_scan_results_created_at ON scan_results(created_at);
				CREATE INDEX IF NOT EXISTS idx_scan_results_severity ON scan_results(severity);
			`,
		},
	}
}

const migrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`

// RunMigrations applies every migration newer than the recorded schema
// version.
func (mr *MigrationRunner) RunMigrations(ctx context.Context) error {
	if _, err := mr.db.ExecContext(ctx, migrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var versions []int
	if err := mr.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations"); err != nil {
		return fmt.Errorf("failed to query applied migrations: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}

	all := GetAllMigrations()
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })

	count := 0
	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		if err := mr.apply(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
		count++
	}

	if count == 0 {
		mr.log.Debugw("Result store schema is current", "version", all[len(all)-1].Version)
		return nil
	}
	mr.log.Infow("Result store schema migrated", "applied", count, "version", all[len(all)-1].Version)
	return nil
}

func (mr *MigrationRunner) apply(ctx context.Context, m Migration) error {
	mr.log.Infow("Applying migration", "version", m.Version, "description", m.Description)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)",
		m.Version, m.Description, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// CheckTableExists reports whether table is present in the current database.
func CheckTableExists(ctx context.Context, db *sqlx.DB, table string) (bool, error) {
	var exists bool
	err := db.GetContext(ctx, &exists,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)", table)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return exists, nil
}
