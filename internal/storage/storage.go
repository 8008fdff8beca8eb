// Package storage provides object storage for archived event batches.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// Storage types.
const (
	TypeLocal = "local"
	TypeS3    = "s3"
)

// ObjectStorage abstracts object storage operations on small whole objects.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Put writes data to objectPath, replacing any existing object.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get reads the object at objectPath. It returns ErrObjectNotFound when
	// the object does not exist.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// Config selects an object storage backend.
type Config struct {
	Type      string `json:"type" yaml:"type"`
	Path      string `json:"path" yaml:"path"`
	S3Bucket  string `json:"s3_bucket" yaml:"s3_bucket"`
	S3Region  string `json:"s3_region" yaml:"s3_region"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	PathStyle bool   `json:"path_style" yaml:"path_style"`
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config) (ObjectStorage, error) {
	switch cfg.Type {
	case "", TypeLocal:
		s, err := NewLocalStorage(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeS3:
		s, err := NewS3Storage(ctx, cfg.S3Bucket, S3Config{
			Region:       cfg.S3Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
