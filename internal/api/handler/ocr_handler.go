package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/minhvo-dev/docpipe/internal/api/dto"
	"github.com/minhvo-dev/docpipe/internal/job"
)

// jobIDPattern matches the hex digest form of a job identity
var jobIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// SubmitJob handles POST /ocr
// Accepts a multipart image upload and creates (or reuses) an OCR job
func (h *OCRHandler) SubmitJob(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "multipart field 'file' is required",
		})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded file", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unable to read uploaded file",
		})
		return
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		h.logger.Error("Failed to read uploaded file", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unable to read uploaded file",
		})
		return
	}

	result, err := h.coordinator.Submit(c.Request.Context(), content, fileHeader.Filename)
	if err != nil {
		if errors.Is(err, job.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to submit job",
			slog.String("source_name", fileHeader.Filename),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to submit job",
		})
		return
	}

	statusCode := http.StatusOK
	if result.Created {
		statusCode = http.StatusAccepted
	}

	c.JSON(statusCode, dto.SubmitResponse{
		JobID:  result.JobID,
		Status: result.Status,
	})
}

// GetJob handles GET /ocr/:job_id
// Returns the current status view of a job
func (h *OCRHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if !jobIDPattern.MatchString(jobID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a 64-character hex digest",
		})
		return
	}

	rec, err := h.status.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to get job",
		})
		return
	}

	resp := dto.JobResponse{
		JobID:      rec.JobID,
		Status:     rec.Status,
		SourceName: rec.SourceName,
		SizeBytes:  rec.SizeBytes,
		CreatedAt:  rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  rec.UpdatedAt.Format(time.RFC3339),
	}

	if rec.Status == job.StatusCompleted {
		resp.ResultURL = fmt.Sprintf("/ocr/%s/result", rec.JobID)
	}
	if rec.Status == job.StatusFailed {
		resp.ErrorDetail = rec.ErrorDetail
	}
	if rec.CompletedAt != nil {
		resp.CompletedAt = rec.CompletedAt.Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, resp)
}

// GetResult handles GET /ocr/:job_id/result
// Returns the extracted text of a completed job
func (h *OCRHandler) GetResult(c *gin.Context) {
	jobID := c.Param("job_id")
	if !jobIDPattern.MatchString(jobID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a 64-character hex digest",
		})
		return
	}

	rec, err := h.status.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to get job",
		})
		return
	}

	if rec.Status != job.StatusCompleted {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "job has no result yet",
			"status": rec.Status,
		})
		return
	}

	text, err := h.content.Get(c.Request.Context(), rec.ResultRef)
	if err != nil {
		h.logger.Error("Failed to fetch result content",
			slog.String("job_id", jobID),
			slog.String("result_ref", rec.ResultRef),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to fetch result",
		})
		return
	}

	c.JSON(http.StatusOK, dto.ResultResponse{
		JobID: rec.JobID,
		Text:  string(text),
	})
}
