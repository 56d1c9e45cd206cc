// Package artifact stores trained models and reports on the local file
// system or in a MinIO bucket.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"robusta-yield/internal/model"
	"robusta-yield/internal/models"
	"robusta-yield/pkg/logging"
)

// Content types used for stored objects.
const (
	ContentTypeJSON = "application/json"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Store is a flat key/value blob store.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns a *models.NotFoundError when key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	HealthCheck(ctx context.Context) error
}

// Options selects and configures a backend.
type Options struct {
	Backend   string
	Directory string
	MinIO     MinioOptions
}

// Open builds the store named by opts.Backend.
func Open(ctx context.Context, opts Options, logger *logging.StructuredLogger) (Store, error) {
	switch opts.Backend {
	case "", "file":
		return NewFileStore(opts.Directory, logger)
	case "minio":
		return NewMinioStore(ctx, opts.MinIO, logger)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", opts.Backend)
	}
}

// cleanKey rejects keys that are empty or escape the store root.
func cleanKey(key string) (string, error) {
	k := path.Clean(strings.TrimPrefix(key, "/"))
	if key == "" || k == "." || k == ".." || strings.HasPrefix(k, "../") {
		return "", &models.ValidationError{Field: "key", Value: key, Message: "invalid artifact key"}
	}
	return k, nil
}

// SaveEstimator serializes e and stores it under key.
func SaveEstimator(ctx context.Context, s Store, key string, e *model.Estimator) error {
	var buf bytes.Buffer
	if err := model.Save(&buf, e); err != nil {
		return err
	}
	return s.Put(ctx, key, buf.Bytes(), ContentTypeJSON)
}

// LoadEstimator reads and validates the model stored under key.
func LoadEstimator(ctx context.Context, s Store, key string) (*model.Estimator, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	e, err := model.Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", key, err)
	}
	return e, nil
}
