package contentstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem stores blobs as plain files under a base directory. The
// returned ref is the file name relative to the base directory, which
// keeps refs opaque to callers and portable across hosts sharing the
// same volume.
type Filesystem struct {
	baseDir string
	logger  *slog.Logger
}

// NewFilesystem creates the base directory if needed and returns a store
func NewFilesystem(baseDir string, logger *slog.Logger) (*Filesystem, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Filesystem{
		baseDir: baseDir,
		logger:  logger,
	}, nil
}

// Put writes data under name, overwriting any previous content.
// Overwrite is deliberate: names are content-derived, so re-putting
// the same name always carries identical bytes.
func (f *Filesystem) Put(ctx context.Context, name string, data []byte) (string, error) {
	path, err := f.resolve(name)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}

	f.logger.Debug("Blob stored",
		slog.String("name", name),
		slog.Int("size", len(data)),
	)

	return name, nil
}

// Get reads the blob back by ref
func (f *Filesystem) Get(ctx context.Context, ref string) ([]byte, error) {
	path, err := f.resolve(ref)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found: %s", ref)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	return data, nil
}

// resolve maps a name to a path under the base directory, rejecting
// absolute names and traversal outside it.
func (f *Filesystem) resolve(name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob name: path traversal detected")
	}
	return filepath.Join(f.baseDir, clean), nil
}
