package handler

import (
	"context"
	"log/slog"

	"github.com/minhvo-dev/docpipe/internal/ingest"
	"github.com/minhvo-dev/docpipe/internal/job"
)

// DBChecker reports database liveness for readiness probes
type DBChecker interface {
	Ping(ctx context.Context) error
}

// BrokerChecker reports broker liveness for readiness probes
type BrokerChecker interface {
	IsConnected() bool
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Coordinator *ingest.Coordinator
	Status      job.StatusStore
	Content     job.ContentStore
	DB          DBChecker
	Broker      BrokerChecker
}

// OCRHandler handles OCR job HTTP requests
type OCRHandler struct {
	logger      *slog.Logger
	coordinator *ingest.Coordinator
	status      job.StatusStore
	content     job.ContentStore
}

// NewOCRHandler creates a new OCRHandler instance
func NewOCRHandler(deps *Dependencies) *OCRHandler {
	return &OCRHandler{
		logger:      deps.Logger,
		coordinator: deps.Coordinator,
		status:      deps.Status,
		content:     deps.Content,
	}
}
