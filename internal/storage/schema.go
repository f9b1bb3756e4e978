package storage

import (
	"fmt"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 1

// initSchema creates the required tables if they don't exist.
// Uses IF NOT EXISTS to make the operation idempotent.
func (s *SQLiteStore) initSchema() error {
	// Schema version table tracks database migrations.
	// This allows future schema changes to be applied incrementally.
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	// Check current version
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the pattern table: one row per cached fix, keyed by
// the normalized diagnostic signature.
func (s *SQLiteStore) migrateToV1() error {
	const patternsTable = `
		CREATE TABLE IF NOT EXISTS patterns (
			signature TEXT PRIMARY KEY,
			replacement TEXT NOT NULL,
			patch TEXT NOT NULL,
			confidence INTEGER NOT NULL DEFAULT 1,
			last_used TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(patternsTable); err != nil {
		return fmt.Errorf("create patterns table: %w", err)
	}

	// Index for recency-ordered loading.
	const lastUsedIndex = `
		CREATE INDEX IF NOT EXISTS idx_patterns_last_used ON patterns(last_used);
	`
	if _, err := s.db.Exec(lastUsedIndex); err != nil {
		return fmt.Errorf("create last_used index: %w", err)
	}

	return s.recordMigration(1)
}

// recordMigration marks a schema version as applied.
func (s *SQLiteStore) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version, time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	return nil
}
