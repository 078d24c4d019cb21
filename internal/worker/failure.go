package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/minhvo-dev/docpipe/internal/job"
	"github.com/minhvo-dev/docpipe/internal/metrics"
)

// fail applies the failure policy to one leased message. Below the
// retry bound the failed status is persisted for visibility and the
// lease is abandoned for redelivery; at the bound the message is
// routed to the poison queue and acknowledged so it never comes back.
// A broker error while settling is logged and the lease is left to
// expire on its own; one hiccup never crashes the loop.
func (w *Worker) fail(ctx context.Context, lease job.Lease, jobID string, procErr error) {
	deliveryCount := lease.DeliveryCount()

	w.logger.Error("Job processing failed",
		slog.String("job_id", jobID),
		slog.String("message_id", lease.MessageID()),
		slog.Int("delivery_count", deliveryCount),
		slog.Any("error", procErr),
	)

	if jobID != "" {
		if err := w.status.MergeUpdate(ctx, jobID, job.StatusFailed, "", procErr.Error()); err != nil {
			w.logger.Error("Failed to record failure detail",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	}

	if deliveryCount >= w.maxRetries {
		if err := lease.DeadLetter(procErr.Error()); err != nil {
			w.logger.Error("Failed to dead-letter message, leaving lease to expire",
				slog.String("message_id", lease.MessageID()),
				slog.Any("error", err),
			)
			return
		}

		metrics.PoisonMessages.Inc()
		metrics.JobsFailed.WithLabelValues("max_retries_exceeded").Inc()

		w.logger.Warn("Message exceeded max retries, routed to poison queue",
			slog.String("job_id", jobID),
			slog.String("message_id", lease.MessageID()),
			slog.Int("attempts", deliveryCount+1),
			slog.Int("max_retries", w.maxRetries),
		)
		return
	}

	if err := lease.Abandon(); err != nil {
		w.logger.Error("Failed to abandon message, leaving lease to expire",
			slog.String("message_id", lease.MessageID()),
			slog.Any("error", err),
		)
		return
	}

	metrics.JobsFailed.WithLabelValues(failureType(procErr)).Inc()

	w.logger.Info("Message abandoned for retry",
		slog.String("job_id", jobID),
		slog.Int("attempt", deliveryCount+1),
		slog.Int("max_retries", w.maxRetries),
	)
}

// failureType buckets a processing error for metrics
func failureType(err error) string {
	var retryable *job.RetryableError
	switch {
	case errors.Is(err, job.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.As(err, &retryable):
		return "collaborator_unavailable"
	default:
		return "transform_error"
	}
}
