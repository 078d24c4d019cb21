package statusstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/minhvo-dev/docpipe/internal/job"
)

// Store persists job lifecycle records in PostgreSQL, keyed by the
// content-derived job identity.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates a Store and ensures the backing table exists
func New(db *sqlx.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure ocr_jobs table: %w", err)
	}

	return s, nil
}

func (s *Store) ensureTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS ocr_jobs (
			job_id       TEXT PRIMARY KEY,
			source_name  TEXT NOT NULL DEFAULT '',
			content_ref  TEXT NOT NULL DEFAULT '',
			result_ref   TEXT NOT NULL DEFAULT '',
			error_detail TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			size_bytes   BIGINT NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		)
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create ocr_jobs table: %w", err)
	}

	return nil
}

// Get retrieves the record for jobID, or job.ErrJobNotFound
func (s *Store) Get(ctx context.Context, jobID string) (*job.Record, error) {
	query := `
		SELECT job_id, source_name, content_ref, result_ref, error_detail,
		       status, size_bytes, created_at, updated_at, completed_at
		FROM ocr_jobs
		WHERE job_id = $1
	`

	var rec job.Record
	if err := s.db.GetContext(ctx, &rec, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &rec, nil
}

// Create inserts a fresh record. A duplicate key under concurrent
// creation is reported as an error; the ingest path tolerates it
// because both writers carry identical content-derived fields.
func (s *Store) Create(ctx context.Context, rec *job.Record) error {
	query := `
		INSERT INTO ocr_jobs (
			job_id, source_name, content_ref, status, size_bytes,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		rec.JobID,
		rec.SourceName,
		rec.ContentRef,
		rec.Status,
		rec.SizeBytes,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job record: %w", err)
	}

	s.logger.Info("Job record created",
		slog.String("job_id", rec.JobID),
		slog.String("status", rec.Status),
	)

	return nil
}

// MergeUpdate applies a partial status update as an upsert. If the
// ingest-side create was lost after the message was already enqueued,
// the worker's first "processing" update recreates the record here and
// the job self-heals. Empty resultRef/errorDetail leave the stored
// values untouched; a completed job always clears its error detail.
func (s *Store) MergeUpdate(ctx context.Context, jobID, status, resultRef, errorDetail string) error {
	query := `
		INSERT INTO ocr_jobs (job_id, status, result_ref, error_detail, created_at, updated_at, completed_at)
		VALUES (
			$1, $2, $3, $4, NOW(), NOW(),
			CASE WHEN $2 IN ($5, $6) THEN NOW() ELSE NULL END
		)
		ON CONFLICT (job_id) DO UPDATE
		SET status       = EXCLUDED.status,
		    result_ref   = CASE WHEN EXCLUDED.result_ref <> '' THEN EXCLUDED.result_ref ELSE ocr_jobs.result_ref END,
		    error_detail = CASE
		        WHEN EXCLUDED.status = $5 THEN ''
		        WHEN EXCLUDED.error_detail <> '' THEN EXCLUDED.error_detail
		        ELSE ocr_jobs.error_detail
		    END,
		    completed_at = CASE WHEN EXCLUDED.status IN ($5, $6) THEN NOW() ELSE ocr_jobs.completed_at END,
		    updated_at   = NOW()
	`

	_, err := s.db.ExecContext(ctx, query, jobID, status, resultRef, errorDetail, job.StatusCompleted, job.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to merge job update: %w", err)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)

	return nil
}
