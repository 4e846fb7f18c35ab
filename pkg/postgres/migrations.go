package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns all database migrations in order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create key_tables table",
			SQL: `CREATE TABLE IF NOT EXISTS key_tables (
				table_id INT PRIMARY KEY CHECK (table_id >= 0),
				master_key BYTEA NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
		{
			Version:     2,
			Description: "Create devices table",
			SQL: `CREATE TABLE IF NOT EXISTS devices (
				serial VARCHAR(255) PRIMARY KEY,
				secret BYTEA NOT NULL,
				secret_hash BYTEA NOT NULL,
				table_assignments INT[] NOT NULL,
				certificate BYTEA,
				public_key BYTEA,
				device_family VARCHAR(255) NOT NULL,
				provisioned_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				is_blacklisted BOOLEAN NOT NULL DEFAULT FALSE,
				blacklisted_at TIMESTAMPTZ,
				blacklist_reason TEXT,
				CONSTRAINT devices_secret_hash_key UNIQUE (secret_hash),
				CONSTRAINT devices_three_tables CHECK (cardinality(table_assignments) = 3)
			)`,
		},
		{
			Version:     3,
			Description: "Create submissions table",
			SQL: `CREATE TABLE IF NOT EXISTS submissions (
				id BIGSERIAL PRIMARY KEY,
				device_serial VARCHAR(255) NOT NULL,
				timestamp TIMESTAMPTZ NOT NULL,
				validation_result VARCHAR(10) NOT NULL
			)`,
		},
		{
			Version:     4,
			Description: "Create audit_events table",
			SQL: `CREATE TABLE IF NOT EXISTS audit_events (
				id UUID PRIMARY KEY,
				sequence BIGINT NOT NULL UNIQUE,
				timestamp TIMESTAMPTZ NOT NULL,
				event_type VARCHAR(100) NOT NULL,
				actor VARCHAR(255) NOT NULL,
				subject VARCHAR(255),
				result VARCHAR(50) NOT NULL,
				metadata JSONB,
				data_hash VARCHAR(64) NOT NULL,
				prev_hash VARCHAR(64) NOT NULL,
				chain_hash VARCHAR(64) NOT NULL
			)`,
		},
		{
			Version:     5,
			Description: "Create indexes",
			SQL: `CREATE INDEX IF NOT EXISTS idx_devices_family ON devices(device_family);
				  CREATE INDEX IF NOT EXISTS idx_devices_blacklisted ON devices(is_blacklisted) WHERE is_blacklisted;
				  CREATE INDEX IF NOT EXISTS idx_submissions_device_timestamp ON submissions(device_serial, timestamp);
				  CREATE INDEX IF NOT EXISTS idx_submissions_timestamp ON submissions(timestamp);
				  CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
				  CREATE INDEX IF NOT EXISTS idx_audit_events_subject ON audit_events(subject)`,
		},
	}
}

// RunMigrations executes all pending migrations, each in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	for _, m := range Migrations() {
		var exists bool
		err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if exists {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// CurrentVersion returns the current schema version.
func CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}
