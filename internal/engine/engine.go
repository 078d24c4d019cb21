package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Engine is one reusable transform handle. Transform is a black box to
// the rest of the pipeline: it turns document bytes into extracted
// text or fails.
type Engine interface {
	Transform(ctx context.Context, data []byte) (string, error)
}

// noTextResult is returned when OCR runs cleanly but finds nothing
const noTextResult = "No text detected in image"

// Tesseract runs OCR by piping image bytes through the tesseract
// binary. The handle is validated once at construction and reused for
// many jobs.
type Tesseract struct {
	binPath  string
	language string
}

// NewTesseract locates and verifies the tesseract binary. Returning an
// error here makes pool construction fail fast at startup instead of
// degrading silently at the first job.
func NewTesseract(binary, language string) (*Tesseract, error) {
	if binary == "" {
		binary = "tesseract"
	}
	if language == "" {
		language = "eng"
	}

	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("tesseract binary not found: %w", err)
	}

	if out, err := exec.Command(path, "--version").CombinedOutput(); err != nil {
		return nil, fmt.Errorf("tesseract version check failed: %s: %w", strings.TrimSpace(string(out)), err)
	}

	return &Tesseract{
		binPath:  path,
		language: language,
	}, nil
}

// Transform runs OCR over data and returns the extracted text
func (t *Tesseract) Transform(ctx context.Context, data []byte) (string, error) {
	cmd := exec.CommandContext(ctx, t.binPath, "stdin", "stdout", "-l", t.language)
	cmd.Stdin = bytes.NewReader(data)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("ocr canceled: %w", ctx.Err())
		}
		return "", fmt.Errorf("ocr failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}

	text := strings.TrimSpace(stdout.String())
	if text == "" {
		return noTextResult, nil
	}

	return text, nil
}
