package storage

import (
	"context"
	"io"
)

// ObjectStorage defines the object storage operations used for run reports.
type ObjectStorage interface {
	// EnsureBucket creates the bucket if the provider allows it.
	EnsureBucket(ctx context.Context) error

	// Upload uploads an object to storage
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// GetURL returns the URL for accessing an object
	GetURL(key string) string
}
