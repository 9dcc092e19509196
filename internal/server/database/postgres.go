package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations contains all database migrations in order.
// Each migration has a version key and SQL to execute.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_storage_files",
		SQL: `
			CREATE TABLE IF NOT EXISTS storage_files (
				id                UUID         PRIMARY KEY,
				file_key          VARCHAR(500) NOT NULL UNIQUE,
				original_filename VARCHAR(255) NOT NULL,
				content_type      VARCHAR(100) NOT NULL,
				file_size         BIGINT       NOT NULL CHECK (file_size >= 0),
				status            VARCHAR(20)  NOT NULL DEFAULT 'active',
				storage_provider  VARCHAR(20)  NOT NULL,
				workspace_id      UUID         NOT NULL,
				uploaded_by       UUID,
				metadata          JSONB,
				folder_path       VARCHAR(500),
				tags              JSONB,
				is_public         BOOLEAN      NOT NULL DEFAULT FALSE,
				expires_at        TIMESTAMPTZ,
				deleted_at        TIMESTAMPTZ,
				created_at        TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				updated_at        TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_storage_files_workspace ON storage_files(workspace_id, status);
			CREATE INDEX IF NOT EXISTS idx_storage_files_deleted_at ON storage_files(deleted_at) WHERE deleted_at IS NOT NULL;
			CREATE INDEX IF NOT EXISTS idx_storage_files_created_at ON storage_files(created_at);
		`,
	},
	{
		Version: "000002_create_storage_quotas",
		SQL: `
			CREATE TABLE IF NOT EXISTS storage_quotas (
				workspace_id        UUID        PRIMARY KEY,
				max_storage_bytes   BIGINT,
				max_files           BIGINT,
				max_file_size_bytes BIGINT,
				used_storage_bytes  BIGINT      NOT NULL DEFAULT 0,
				used_files          BIGINT      NOT NULL DEFAULT 0,
				enforce_quota       BOOLEAN     NOT NULL DEFAULT TRUE,
				created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		Version: "000003_create_storage_access_logs",
		SQL: `
			CREATE TABLE IF NOT EXISTS storage_access_logs (
				id         UUID        PRIMARY KEY,
				file_id    UUID        NOT NULL,
				user_id    UUID,
				action     VARCHAR(50) NOT NULL,
				ip_address VARCHAR(45),
				user_agent TEXT,
				metadata   JSONB,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_access_logs_file ON storage_access_logs(file_id, created_at);
		`,
	},
}

// DB wraps a pgxpool connection pool and provides health checks and migrations.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database")
	return &DB{Pool: pool}, nil
}

// RunMigrations applies all pending database migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
