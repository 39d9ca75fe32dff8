// Package store keeps the history of finished archive jobs in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BadgerOps/dtebundle/internal/bundle"
	"github.com/BadgerOps/dtebundle/internal/objref"
)

// ErrJobNotFound is returned by GetJob for an unknown id.
var ErrJobNotFound = errors.New("job not found")

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens the SQLite database at dbPath, creating its directory, and
// runs migrations.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: jobs are recorded from background goroutines and
	// ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("job store ready", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// RecordJob stores a finished job and its per-object rows, replacing any
// earlier record with the same id.
func (s *Store) RecordJob(ctx context.Context, job *bundle.Job) error {
	rec := recordFromJob(job)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM zip_job_files WHERE job_id = ?", rec.ID); err != nil {
		return fmt.Errorf("failed to clear job files: %w", err)
	}

	const jobQuery = `
		INSERT OR REPLACE INTO zip_jobs (
			id, state, requested_count, included_count, missing_count, size_bytes,
			compression_ratio, generation_time_ms, parallel_download_time_ms, workers_used,
			archive_uri, archive_url_expires_at, error_kind, error_message, created_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, jobQuery,
		rec.ID, rec.State, rec.RequestedCount, rec.IncludedCount, rec.MissingCount, rec.SizeBytes,
		rec.CompressionRatio, rec.GenerationTimeMs, rec.ParallelDownloadTimeMs, rec.WorkersUsed,
		rec.ArchiveURI, rec.ArchiveURLExpiresAt, rec.ErrorKind, rec.ErrorMessage, rec.CreatedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	const fileQuery = `
		INSERT INTO zip_job_files (job_id, position, uri, status, entry_name, size_bytes, error_kind, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := tx.PrepareContext(ctx, fileQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare file insert: %w", err)
	}
	defer stmt.Close()
	for _, f := range rec.Files {
		if _, err := stmt.ExecContext(ctx, rec.ID, f.Position, f.URI, f.Status, f.EntryName, f.SizeBytes, f.ErrorKind, f.Reason); err != nil {
			return fmt.Errorf("failed to insert job file: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job: %w", err)
	}
	s.logger.Debug("recorded job", "job_id", rec.ID, "state", rec.State, "files", len(rec.Files))
	return nil
}

const jobColumns = `
	id, state, requested_count, included_count, missing_count, size_bytes,
	compression_ratio, generation_time_ms, parallel_download_time_ms, workers_used,
	archive_uri, archive_url_expires_at, error_kind, error_message, created_at, finished_at
`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*JobRecord, error) {
	rec := &JobRecord{}
	err := row.Scan(
		&rec.ID, &rec.State, &rec.RequestedCount, &rec.IncludedCount, &rec.MissingCount, &rec.SizeBytes,
		&rec.CompressionRatio, &rec.GenerationTimeMs, &rec.ParallelDownloadTimeMs, &rec.WorkersUsed,
		&rec.ArchiveURI, &rec.ArchiveURLExpiresAt, &rec.ErrorKind, &rec.ErrorMessage, &rec.CreatedAt, &rec.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetJob retrieves a job and its files by id
func (s *Store) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	rec, err := scanJob(s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM zip_jobs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}

	const fileQuery = `
		SELECT position, uri, status, entry_name, size_bytes, error_kind, reason
		FROM zip_job_files WHERE job_id = ? ORDER BY position
	`
	rows, err := s.db.QueryContext(ctx, fileQuery, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query job files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var f FileRecord
		if err := rows.Scan(&f.Position, &f.URI, &f.Status, &f.EntryName, &f.SizeBytes, &f.ErrorKind, &f.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan job file: %w", err)
		}
		rec.Files = append(rec.Files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job files: %w", err)
	}
	return rec, nil
}

// ListJobs returns jobs newest first, optionally filtered by state. Files
// are not loaded.
func (s *Store) ListJobs(ctx context.Context, state string, limit int) ([]JobRecord, error) {
	query := "SELECT " + jobColumns + " FROM zip_jobs"
	var args []any

	if state != "" {
		query += " WHERE state = ?"
		args = append(args, state)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []JobRecord{}
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// PruneJobs deletes jobs created before cutoff and returns how many went.
func (s *Store) PruneJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoff = cutoff.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const filesQuery = "DELETE FROM zip_job_files WHERE job_id IN (SELECT id FROM zip_jobs WHERE created_at < ?)"
	if _, err := tx.ExecContext(ctx, filesQuery, cutoff); err != nil {
		return 0, fmt.Errorf("failed to prune job files: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM zip_jobs WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return n, nil
}

// recordFromJob flattens a job. File positions follow the requested order;
// repeated refs are matched to included and missing entries in turn.
func recordFromJob(job *bundle.Job) *JobRecord {
	rec := &JobRecord{
		ID:                     job.ID,
		State:                  string(job.State),
		RequestedCount:         len(job.RequestedKeys),
		IncludedCount:          len(job.Included),
		MissingCount:           len(job.Missing),
		SizeBytes:              job.SizeBytes,
		CompressionRatio:       job.CompressionRatio,
		GenerationTimeMs:       job.GenerationTimeMs,
		ParallelDownloadTimeMs: job.ParallelDownloadTimeMs,
		WorkersUsed:            job.WorkersUsed,
		ErrorKind:              string(job.ErrorKind),
		ErrorMessage:           job.ErrorMessage,
		CreatedAt:              job.CreatedAt,
		FinishedAt:             job.FinishedAt,
	}
	if job.ArchiveRef != nil {
		rec.ArchiveURI = job.ArchiveRef.String()
	}
	if job.ArchiveURL != nil {
		rec.ArchiveURLExpiresAt = job.ArchiveURL.ExpiresAt
	}

	included := make(map[objref.Ref][]bundle.IncludedFile)
	for _, f := range job.Included {
		included[f.Ref] = append(included[f.Ref], f)
	}
	missing := make(map[objref.Ref][]bundle.MissingFile)
	for _, m := range job.Missing {
		missing[m.Ref] = append(missing[m.Ref], m)
	}

	for i, ref := range job.RequestedKeys {
		f := FileRecord{Position: i, URI: ref.String()}
		if q := included[ref]; len(q) > 0 {
			f.Status = FileIncluded
			f.EntryName = q[0].EntryName
			f.SizeBytes = q[0].SizeBytes
			included[ref] = q[1:]
		} else if q := missing[ref]; len(q) > 0 {
			f.Status = FileMissing
			f.ErrorKind = string(q[0].Kind)
			f.Reason = q[0].Reason
			missing[ref] = q[1:]
		} else {
			continue
		}
		rec.Files = append(rec.Files, f)
	}
	return rec
}
