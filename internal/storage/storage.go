// Package storage defines the interface for object storage operations.
// Two implementations are provided: MinIO (any S3-compatible endpoint) and the AWS SDK S3 client.
package storage

import (
	"context"
	"io"
	"time"
)

// Object describes a stored blob returned by List.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Storage is the interface for uploading, listing and deleting objects.
type Storage interface {
	// Upload streams data to the store under the given key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	// List returns every object whose key starts with prefix. An empty prefix lists the bucket.
	List(ctx context.Context, prefix string) ([]Object, error)
	// DeletePrefix removes every object under prefix and returns how many were removed.
	// No matching objects is not an error.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// PublicURL constructs the browser-accessible URL for a given key.
	PublicURL(key string) string
}
