// Package database persists scan records and deduplicated findings.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/config"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

type sqlStore struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

// NewStore connects to Postgres and applies pending migrations.
func NewStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (core.ResultStore, error) {
	log = log.WithComponent("database")
	start := time.Now()
	ctx, span := log.StartOperation(ctx, "database.NewStore",
		"driver", cfg.Driver,
		"dsn_masked", maskDSN(cfg.DSN),
	)
	var err error
	defer func() {
		log.FinishOperation(ctx, span, "database.NewStore", start, err)
	}()

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err = NewMigrationRunner(db, log).RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.WithContext(ctx).Infow("Database store initialized",
		"driver", cfg.Driver,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &sqlStore{db: db, cfg: cfg, logger: log}, nil
}

// Open returns the Postgres store, or the in-memory store when the database
// is unreachable and the config allows falling back.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (core.ResultStore, error) {
	store, err := NewStore(ctx, cfg, log)
	if err == nil {
		return store, nil
	}
	if !cfg.FallbackToMemory {
		return nil, err
	}
	log.Warnw("Database unavailable, results will be kept in memory for this run",
		"dsn_masked", maskDSN(cfg.DSN),
		"error", err,
	)
	return NewMemoryStore(), nil
}

// maskDSN hides the password of a URL-form DSN.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		if len(dsn) > 10 {
			return dsn[:5] + "***" + dsn[len(dsn)-5:]
		}
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

func (s *sqlStore) RecordScan(ctx context.Context, record *types.ScanRecord) error {
	details, err := json.Marshal(record.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO scan_results (target, scan_type, severity, details, created_at)
		VALUES (:target, :scan_type, :severity, :details, :created_at)
	`
	args := map[string]interface{}{
		"target":     record.Target,
		"scan_type":  string(record.ScanType),
		"severity":   string(record.Severity),
		"details":    string(details),
		"created_at": record.Timestamp,
	}

	start := time.Now()
	result, err := s.db.NamedExecContext(ctx, query, args)
	if err != nil {
		s.logger.LogError(ctx, err, "database.RecordScan", "target", record.Target)
		return fmt.Errorf("failed to record scan: %w", err)
	}
	rows, _ := result.RowsAffected()
	s.logger.LogDatabaseOperation(ctx, "INSERT", "scan_results", rows, time.Since(start),
		"target", record.Target,
		"scan_type", string(record.ScanType),
	)
	return nil
}

func (s *sqlStore) SecretExists(ctx context.Context, target, value string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM found_secrets WHERE target = $1 AND value = $2)`,
		target, value)
	if err != nil {
		return false, fmt.Errorf("failed to look up secret: %w", err)
	}
	return exists, nil
}

func (s *sqlStore) InsertSecret(ctx context.Context, secret *types.SecretFinding) (bool, error) {
	if secret.Timestamp.IsZero() {
		secret.Timestamp = time.Now().UTC()
	}
	query := `
		INSERT INTO found_secrets (target, secret_type, value, source_url, created_at)
		VALUES (:target, :secret_type, :value, :source_url, :created_at)
		ON CONFLICT (target, value) DO NOTHING
	`
	return s.insertOnce(ctx, "found_secrets", query, secret)
}

func (s *sqlStore) EndpointExists(ctx context.Context, target, endpoint string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM found_endpoints WHERE target = $1 AND endpoint = $2)`,
		target, endpoint)
	if err != nil {
		return false, fmt.Errorf("failed to look up endpoint: %w", err)
	}
	return exists, nil
}

func (s *sqlStore) InsertEndpoint(ctx context.Context, endpoint *types.EndpointFinding) (bool, error) {
	if endpoint.Timestamp.IsZero() {
		endpoint.Timestamp = time.Now().UTC()
	}
	query := `
		INSERT INTO found_endpoints (target, endpoint, source_url, created_at)
		VALUES (:target, :endpoint, :source_url, :created_at)
		ON CONFLICT (target, endpoint) DO NOTHING
	`
	return s.insertOnce(ctx, "found_endpoints", query, endpoint)
}

// insertOnce runs a conflict-ignoring insert and reports whether a row was
// written.
func (s *sqlStore) insertOnce(ctx context.Context, table, query string, arg interface{}) (bool, error) {
	start := time.Now()
	result, err := s.db.NamedExecContext(ctx, query, arg)
	if err != nil {
		return false, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	s.logger.LogDatabaseOperation(ctx, "INSERT", table, rows, time.Since(start))
	return rows > 0, nil
}

type scanRow struct {
	ID        int64     `db:"id"`
	Target    string    `db:"target"`
	ScanType  string    `db:"scan_type"`
	Severity  string    `db:"severity"`
	Details   string    `db:"details"`
	Timestamp time.Time `db:"created_at"`
}

func (s *sqlStore) ListScans(ctx context.Context, target string, limit int) ([]types.ScanRecord, error) {
	query := `SELECT id, target, scan_type, severity, COALESCE(details::text, '{}') AS details, created_at
		FROM scan_results WHERE ($1::text = '' OR target = $1) ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []scanRow
	if err := s.db.SelectContext(ctx, &rows, query, target); err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}

	records := make([]types.ScanRecord, 0, len(rows))
	for _, r := range rows {
		rec := types.ScanRecord{
			ID:        r.ID,
			Target:    r.Target,
			ScanType:  types.ScanType(r.ScanType),
			Severity:  types.Severity(r.Severity),
			Timestamp: r.Timestamp,
		}
		if err := json.Unmarshal([]byte(r.Details), &rec.Details); err != nil {
			s.logger.Warnw("Skipping undecodable scan details", "id", r.ID, "error", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *sqlStore) ListSecrets(ctx context.Context, target string) ([]types.SecretFinding, error) {
	secrets := []types.SecretFinding{}
	err := s.db.SelectContext(ctx, &secrets,
		`SELECT id, target, secret_type, value, COALESCE(source_url, '') AS source_url, created_at
		FROM found_secrets WHERE ($1::text = '' OR target = $1) ORDER BY created_at, id`, target)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	return secrets, nil
}

func (s *sqlStore) ListEndpoints(ctx context.Context, target string) ([]types.EndpointFinding, error) {
	endpoints := []types.EndpointFinding{}
	err := s.db.SelectContext(ctx, &endpoints,
		`SELECT id, target, endpoint, COALESCE(source_url, '') AS source_url, created_at
		FROM found_endpoints WHERE ($1::text = '' OR target = $1) ORDER BY created_at, id`, target)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	return endpoints, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
