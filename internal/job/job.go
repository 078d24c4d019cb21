package job

import "time"

// Job status constants. A record only ever moves forward:
// queued -> processing -> completed | failed.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Record is the lifecycle entry for one OCR job, keyed by the
// content-derived identity. ResultRef is set only on completion,
// ErrorDetail only on failure.
type Record struct {
	JobID       string     `db:"job_id"`
	SourceName  string     `db:"source_name"`
	ContentRef  string     `db:"content_ref"`
	ResultRef   string     `db:"result_ref"`
	ErrorDetail string     `db:"error_detail"`
	Status      string     `db:"status"`
	SizeBytes   int64      `db:"size_bytes"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// Message is the work item carried through the broker. The broker
// message id equals JobID so the broker can deduplicate at its layer.
type Message struct {
	JobID      string    `json:"job_id"`
	ContentRef string    `json:"content_ref"`
	SourceName string    `json:"source_name"`
	CreatedAt  time.Time `json:"created_at"`
	SizeBytes  int64     `json:"size_bytes"`
}
