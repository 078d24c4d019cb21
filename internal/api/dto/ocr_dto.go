package dto

// SubmitResponse is returned from POST /ocr
type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobResponse is the status view returned from GET /ocr/:job_id
type JobResponse struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	SourceName  string `json:"source_name,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	ResultURL   string `json:"result_url,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// ResultResponse carries the extracted text of a completed job
type ResultResponse struct {
	JobID string `json:"job_id"`
	Text  string `json:"text"`
}
