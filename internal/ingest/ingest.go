package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/minhvo-dev/docpipe/internal/identity"
	"github.com/minhvo-dev/docpipe/internal/job"
	"github.com/minhvo-dev/docpipe/internal/metrics"
)

// Config bounds what the coordinator accepts
type Config struct {
	MaxSizeBytes      int64
	AllowedExtensions []string
}

// Result is the submission outcome. Created is false when the content
// was already known and the existing job's status is returned instead.
type Result struct {
	JobID   string
	Status  string
	Created bool
}

// Coordinator performs idempotent job creation: content-hash identity,
// dedupe against the status store, content write, enqueue, then a
// best-effort status record. Side effects run in exactly that order so
// a crash never leaves a queued record without backing content.
type Coordinator struct {
	content job.ContentStore
	status  job.StatusStore
	queue   job.Queue
	logger  *slog.Logger

	maxSize int64
	allowed map[string]struct{}
	flight  singleflight.Group
}

// NewCoordinator wires the coordinator to its collaborators
func NewCoordinator(content job.ContentStore, status job.StatusStore, queue job.Queue, cfg Config, logger *slog.Logger) *Coordinator {
	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}

	return &Coordinator{
		content: content,
		status:  status,
		queue:   queue,
		logger:  logger,
		maxSize: cfg.MaxSizeBytes,
		allowed: allowed,
	}
}

// Submit validates the upload, computes its identity, and creates the
// job unless one already exists for the same bytes. Concurrent
// submissions of identical content collapse onto a single in-flight
// creation, so every caller observes the same identity and exactly one
// record, one content write, and one enqueue happen.
func (c *Coordinator) Submit(ctx context.Context, content []byte, sourceName string) (*Result, error) {
	if err := c.validate(content, sourceName); err != nil {
		return nil, err
	}

	id := identity.Of(content)

	v, err, _ := c.flight.Do(id, func() (interface{}, error) {
		return c.create(ctx, id, content, sourceName)
	})
	if err != nil {
		return nil, err
	}

	return v.(*Result), nil
}

// validate enforces preconditions before any side effect occurs
func (c *Coordinator) validate(content []byte, sourceName string) error {
	ext := strings.ToLower(filepath.Ext(sourceName))
	if _, ok := c.allowed[ext]; !ok {
		metrics.JobErrors.WithLabelValues("invalid_format").Inc()
		return fmt.Errorf("%w: file format %q not allowed", job.ErrInvalidInput, ext)
	}

	if len(content) == 0 {
		metrics.JobErrors.WithLabelValues("empty_file").Inc()
		return fmt.Errorf("%w: empty file", job.ErrInvalidInput)
	}

	if int64(len(content)) > c.maxSize {
		metrics.JobErrors.WithLabelValues("file_too_large").Inc()
		return fmt.Errorf("%w: file exceeds %d bytes", job.ErrInvalidInput, c.maxSize)
	}

	return nil
}

func (c *Coordinator) create(ctx context.Context, id string, content []byte, sourceName string) (*Result, error) {
	// Dedupe lookup. Not-found is the normal new-job path; any other
	// store error is treated the same way rather than rejecting the
	// upload over a read hiccup.
	existing, err := c.status.Get(ctx, id)
	if err == nil {
		c.logger.Info("Job already exists, returning existing status",
			slog.String("job_id", id),
			slog.String("status", existing.Status),
		)
		return &Result{JobID: id, Status: existing.Status}, nil
	}
	if !errors.Is(err, job.ErrJobNotFound) {
		c.logger.Warn("Status lookup failed, continuing with creation",
			slog.String("job_id", id),
			slog.Any("error", err),
		)
	}

	blobName := id + strings.ToLower(filepath.Ext(sourceName))
	contentRef, err := c.content.Put(ctx, blobName, content)
	if err != nil {
		metrics.JobErrors.WithLabelValues("content_upload_failed").Inc()
		return nil, fmt.Errorf("failed to store content: %w", err)
	}

	now := time.Now().UTC()
	msg := job.Message{
		JobID:      id,
		ContentRef: contentRef,
		SourceName: sourceName,
		CreatedAt:  now,
		SizeBytes:  int64(len(content)),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode work message: %w", err)
	}

	if err := c.queue.Send(ctx, body, id); err != nil {
		metrics.JobErrors.WithLabelValues("queue_send_failed").Inc()
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	rec := &job.Record{
		JobID:      id,
		SourceName: sourceName,
		ContentRef: contentRef,
		Status:     job.StatusQueued,
		SizeBytes:  int64(len(content)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// Best-effort: the message is already enqueued, so a lost record
	// self-heals when the worker's first merge update recreates it.
	if err := c.status.Create(ctx, rec); err != nil {
		c.logger.Error("Failed to create job record, job will self-heal on first worker update",
			slog.String("job_id", id),
			slog.Any("error", err),
		)
	}

	metrics.JobsCreated.Inc()

	c.logger.Info("Job created",
		slog.String("job_id", id),
		slog.String("source_name", sourceName),
		slog.Int64("size_bytes", msg.SizeBytes),
	)

	return &Result{JobID: id, Status: job.StatusQueued, Created: true}, nil
}
