package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/minhvo-dev/docpipe/internal/job"
	"github.com/minhvo-dev/docpipe/internal/metrics"
)

// handle owns one leased message end to end: parse, status updates,
// transform, result persistence, and lease settlement. It runs on a
// detached context so a shutdown signal never kills a transform midway.
func (w *Worker) handle(ctx context.Context, lease job.Lease) {
	defer w.wg.Done()
	defer w.releaseSlots(1)

	start := time.Now()
	ctx = context.WithoutCancel(ctx)

	var msg job.Message
	if err := json.Unmarshal(lease.Body(), &msg); err != nil {
		w.fail(ctx, lease, "", fmt.Errorf("malformed work message: %w", err))
		return
	}
	if msg.JobID == "" || msg.ContentRef == "" {
		w.fail(ctx, lease, msg.JobID, fmt.Errorf("work message missing job_id or content_ref"))
		return
	}

	w.logger.Info("Processing job",
		slog.String("job_id", msg.JobID),
		slog.String("content_ref", msg.ContentRef),
		slog.Int("delivery_count", lease.DeliveryCount()),
	)

	// Only the lease holder writes status, so transitions stay
	// strictly sequential per job. The merge upsert also recreates a
	// record the ingest side failed to write.
	if err := w.status.MergeUpdate(ctx, msg.JobID, job.StatusProcessing, "", ""); err != nil {
		w.logger.Error("Failed to update job status to processing",
			slog.String("job_id", msg.JobID),
			slog.Any("error", err),
		)
	}

	text, err := w.transform(ctx, &msg)
	if err != nil {
		w.fail(ctx, lease, msg.JobID, err)
		return
	}

	resultRef, err := w.content.Put(ctx, msg.JobID+".txt", []byte(text))
	if err != nil {
		w.fail(ctx, lease, msg.JobID, job.NewRetryableError(fmt.Errorf("failed to store result: %w", err)))
		return
	}

	// Best-effort: the transform already succeeded, a status write
	// failure must not fail the job.
	if err := w.status.MergeUpdate(ctx, msg.JobID, job.StatusCompleted, resultRef, ""); err != nil {
		w.logger.Error("Failed to update job status to completed",
			slog.String("job_id", msg.JobID),
			slog.Any("error", err),
		)
	}

	if err := lease.Complete(); err != nil {
		// Broker hiccup: the lease expires and the message redelivers;
		// the rerun is harmless because the pipeline is idempotent.
		w.logger.Error("Failed to complete lease, message will redeliver",
			slog.String("job_id", msg.JobID),
			slog.Any("error", err),
		)
		return
	}

	metrics.JobsProcessed.Inc()
	metrics.ProcessingSeconds.Observe(time.Since(start).Seconds())

	w.logger.Info("Job completed",
		slog.String("job_id", msg.JobID),
		slog.String("result_ref", resultRef),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// transform checks out an engine handle, fetches the content, and runs
// OCR under the optional wall-clock ceiling. The handle is returned
// unconditionally.
func (w *Worker) transform(ctx context.Context, msg *job.Message) (string, error) {
	eng, err := w.engines.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer w.engines.Release(eng)

	data, err := w.content.Get(ctx, msg.ContentRef)
	if err != nil {
		return "", job.NewRetryableError(fmt.Errorf("failed to fetch content: %w", err))
	}

	tctx := ctx
	if w.transformTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, w.transformTimeout)
		defer cancel()
	}

	text, err := eng.Transform(tctx, data)
	if err != nil {
		return "", fmt.Errorf("transform failed: %w", err)
	}

	return text, nil
}
