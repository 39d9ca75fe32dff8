package store

import (
	"fmt"
)

// migrations in application order. Never edit a released entry; append.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
			CREATE TABLE zip_jobs (
				id TEXT PRIMARY KEY,
				state TEXT NOT NULL,
				requested_count INTEGER NOT NULL DEFAULT 0,
				included_count INTEGER NOT NULL DEFAULT 0,
				missing_count INTEGER NOT NULL DEFAULT 0,
				size_bytes INTEGER NOT NULL DEFAULT 0,
				compression_ratio REAL NOT NULL DEFAULT 0,
				generation_time_ms INTEGER NOT NULL DEFAULT 0,
				parallel_download_time_ms INTEGER NOT NULL DEFAULT 0,
				workers_used INTEGER NOT NULL DEFAULT 0,
				archive_uri TEXT,
				archive_url_expires_at DATETIME,
				error_kind TEXT,
				error_message TEXT,
				created_at DATETIME NOT NULL,
				finished_at DATETIME
			);

			CREATE INDEX idx_zip_jobs_created_at ON zip_jobs(created_at);
		`,
	},
	{
		version: 2,
		sql: `
			CREATE TABLE zip_job_files (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				job_id TEXT NOT NULL,
				position INTEGER NOT NULL,
				uri TEXT NOT NULL,
				status TEXT NOT NULL,
				entry_name TEXT,
				size_bytes INTEGER NOT NULL DEFAULT 0,
				error_kind TEXT,
				reason TEXT,
				FOREIGN KEY(job_id) REFERENCES zip_jobs(id) ON DELETE CASCADE
			);

			CREATE INDEX idx_zip_job_files_job_id ON zip_job_files(job_id);
		`,
	},
}

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	s.logger.Debug("current schema version", "version", currentVersion)

	for _, mig := range migrations {
		if mig.version <= currentVersion {
			continue
		}
		s.logger.Info("running migration", "version", mig.version)
		if err := s.runMigration(mig.version, mig.sql); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
		}
	}
	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}
	return nil
}
