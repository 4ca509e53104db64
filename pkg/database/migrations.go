package database

import (
	"context"
	"crypto/md5"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// migrationScript represents a single schema migration
type migrationScript struct {
	Version     int
	Name        string
	Description string
	UpSQL       string
	Checksum    string
}

// AppliedMigration is one row of schema_migrations
type AppliedMigration struct {
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Checksum    string    `json:"checksum"`
	AppliedAt   time.Time `json:"applied_at"`
}

// migrator applies the versioned schema in order
type migrator struct {
	db         *sql.DB
	migrations map[int]*migrationScript
}

func newMigrator(db *sql.DB) *migrator {
	m := &migrator{
		db:         db,
		migrations: make(map[int]*migrationScript),
	}
	m.load()
	return m
}

func (m *migrator) load() {
	m.migrations[1] = &migrationScript{
		Version:     1,
		Name:        "initial_voice_stats",
		Description: "Guild snapshots and connection events",
		UpSQL: `
			CREATE TABLE IF NOT EXISTS guild_snapshots (
				guild_id TEXT PRIMARY KEY,
				state TEXT NOT NULL,
				channel_id TEXT,
				region TEXT,
				failure_count INTEGER NOT NULL DEFAULT 0,
				retry_attempt INTEGER NOT NULL DEFAULT 0,
				circuit_open_until DATETIME,
				latency_ms INTEGER,
				total_connections INTEGER NOT NULL DEFAULT 0,
				successful_connections INTEGER NOT NULL DEFAULT 0,
				failed_connections INTEGER NOT NULL DEFAULT 0,
				disconnections INTEGER NOT NULL DEFAULT 0,
				reconnections INTEGER NOT NULL DEFAULT 0,
				success_rate REAL NOT NULL DEFAULT 0,
				errors_by_class TEXT,
				updated_at DATETIME NOT NULL
			);

			CREATE TABLE IF NOT EXISTS connection_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				guild_id TEXT NOT NULL,
				channel_id TEXT,
				event_type TEXT NOT NULL,
				old_state TEXT NOT NULL,
				new_state TEXT NOT NULL,
				error TEXT,
				latency_ms INTEGER,
				region TEXT,
				occurred_at DATETIME NOT NULL,
				UNIQUE (guild_id, occurred_at, event_type, old_state, new_state)
			);

			CREATE INDEX IF NOT EXISTS idx_connection_events_guild ON connection_events(guild_id, occurred_at);
			CREATE INDEX IF NOT EXISTS idx_connection_events_occurred ON connection_events(occurred_at);
		`,
	}

	m.migrations[2] = &migrationScript{
		Version:     2,
		Name:        "add_export_runs",
		Description: "Track every stats export run",
		UpSQL: `
			CREATE TABLE IF NOT EXISTS export_runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				generated_at DATETIME NOT NULL,
				environment TEXT NOT NULL,
				guild_count INTEGER NOT NULL,
				event_count INTEGER NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_export_runs_generated ON export_runs(generated_at);
		`,
	}

	for _, migration := range m.migrations {
		migration.Checksum = calculateChecksum(migration.UpSQL)
	}
}

func (m *migrator) initializeMigrationTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		checksum TEXT NOT NULL,
		applied_at DATETIME NOT NULL
	)
	`
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

func (m *migrator) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

func (m *migrator) latestVersion() int {
	maxVersion := 0
	for version := range m.migrations {
		if version > maxVersion {
			maxVersion = version
		}
	}
	return maxVersion
}

// migrate validates applied checksums and runs every pending migration
func (m *migrator) migrate(ctx context.Context) (int, error) {
	if err := m.initializeMigrationTable(ctx); err != nil {
		return 0, err
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return 0, err
	}

	versions := make([]int, 0, len(m.migrations))
	for version := range m.migrations {
		versions = append(versions, version)
	}
	sort.Ints(versions)

	applied := 0
	for _, version := range versions {
		if version <= current {
			if err := m.validateChecksum(ctx, version); err != nil {
				return applied, err
			}
			continue
		}
		if err := m.run(ctx, version); err != nil {
			return applied, fmt.Errorf("migration %d failed: %w", version, err)
		}
		applied++
	}
	return applied, nil
}

func (m *migrator) run(ctx context.Context, version int) error {
	migration, exists := m.migrations[version]
	if !exists {
		return fmt.Errorf("%w: %d", ErrMigrationNotFound, version)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.UpSQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, name, description, checksum, applied_at)
		VALUES (?, ?, ?, ?, ?)
	`, version, migration.Name, migration.Description, migration.Checksum, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update migration tracking: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// validateChecksum rejects a database whose applied migration differs from the shipped one
func (m *migrator) validateChecksum(ctx context.Context, version int) error {
	migration, exists := m.migrations[version]
	if !exists {
		return fmt.Errorf("%w: %d", ErrMigrationNotFound, version)
	}

	var stored string
	err := m.db.QueryRowContext(ctx, "SELECT checksum FROM schema_migrations WHERE version = ?", version).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to get stored checksum: %w", err)
	}

	if stored != migration.Checksum {
		return fmt.Errorf("%w: version %d stored=%s current=%s", ErrChecksumMismatch, version, stored, migration.Checksum)
	}
	return nil
}

func (m *migrator) history(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT version, name, COALESCE(description, ''), checksum, applied_at
		FROM schema_migrations ORDER BY version
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var am AppliedMigration
		if err := rows.Scan(&am.Version, &am.Name, &am.Description, &am.Checksum, &am.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		out = append(out, am)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migrations: %w", err)
	}
	return out, nil
}

// calculateChecksum calculates the MD5 checksum of migration SQL
func calculateChecksum(sql string) string {
	hash := md5.Sum([]byte(sql))
	return fmt.Sprintf("%x", hash)
}
