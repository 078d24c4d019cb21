package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsCreated counts jobs accepted by the ingestion coordinator
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocr_jobs_created_total",
		Help: "Total OCR jobs created",
	})

	// JobErrors counts ingestion-side rejections and failures
	JobErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocr_job_errors_total",
		Help: "Total OCR job errors",
	}, []string{"error_type"})

	// JobsProcessed counts successfully completed jobs
	JobsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocr_worker_jobs_processed_total",
		Help: "Total OCR jobs processed",
	})

	// JobsFailed counts worker-side failures by disposition
	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocr_worker_jobs_failed_total",
		Help: "Total OCR jobs failed",
	}, []string{"error_type"})

	// PoisonMessages counts messages routed to the dead-letter queue
	PoisonMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocr_worker_poison_messages_total",
		Help: "Total messages sent to poison queue",
	})

	// ProcessingSeconds observes end-to-end per-message handling time
	ProcessingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "ocr_worker_processing_seconds",
		Help: "OCR processing time",
	})
)

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server is the worker's standalone metrics listener. The API service
// mounts Handler on its own router instead.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a metrics server on the given port
func NewServer(port int, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	return &Server{
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		logger: logger,
	}
}

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info("Metrics server started",
			slog.String("address", s.srv.Addr),
		)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed",
				slog.Any("error", err),
			)
		}
	}()
}

// Stop shuts the listener down
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error("Metrics server shutdown failed",
			slog.Any("error", err),
		)
	}
}
