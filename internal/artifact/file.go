package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"robusta-yield/internal/models"
	"robusta-yield/pkg/logging"
)

// FileStore keeps objects as files below a root directory.
type FileStore struct {
	root   string
	logger *logging.StructuredLogger
}

// NewFileStore creates root if needed.
func NewFileStore(root string, logger *logging.StructuredLogger) (*FileStore, error) {
	if root == "" {
		return nil, &models.ValidationError{Field: "directory", Message: "artifact directory is required"}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &FileStore{root: root, logger: logger}, nil
}

func (s *FileStore) path(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(k)), nil
}

// Put writes data through a temporary file and renames it into place.
func (s *FileStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}

	s.logger.Debug(ctx, "[ARTIFACT_PUT] Artifact written", logging.Fields{
		"key":          key,
		"bytes":        len(data),
		"content_type": contentType,
		"backend":      "file",
	})
	return nil
}

// Get reads the object stored under key.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &models.NotFoundError{Resource: "artifact", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// Exists reports whether key is stored.
func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// HealthCheck verifies the root directory is still reachable.
func (s *FileStore) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("artifact directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("artifact root %s is not a directory", s.root)
	}
	return nil
}
