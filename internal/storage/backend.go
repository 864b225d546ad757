// Package storage defines the Backend interface for encrypted blob
// persistence. Backends store opaque bytes under paths derived from access
// codes; they know nothing about expiry or download quotas.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Load when the blob is missing or
	// unreadable.
	ErrNotFound = errors.New("storage: blob not found")
	// ErrInvalidInput is returned by Store for empty payloads or access
	// codes carrying path traversal segments.
	ErrInvalidInput = errors.New("storage: invalid input")
)

// Backend is the interface for blob storage backends.
// Implementations handle raw blob I/O (local filesystem, S3/MinIO).
// Metadata is handled separately by the metadata store.
type Backend interface {
	// Init idempotently ensures the storage root exists.
	Init(ctx context.Context) error

	// Store writes already-encrypted bytes under a path derived from
	// accessCode plus a uniqueness component, and returns that path.
	Store(ctx context.Context, data []byte, accessCode string) (string, error)

	// Load reads a blob back by the path Store returned.
	Load(ctx context.Context, path string) ([]byte, error)

	// Delete removes a blob, reporting whether one was actually removed.
	// Deleting an already-gone blob is not an error.
	Delete(ctx context.Context, path string) (bool, error)

	// DeleteAll purges the entire storage root and re-initializes it.
	// Operational/test use only; never reachable from request handling.
	DeleteAll(ctx context.Context) error

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
