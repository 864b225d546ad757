// Package local provides a local filesystem blob storage backend.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/securedrop/securedrop/internal/metrics"
	"github.com/securedrop/securedrop/internal/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath string `json:"root_path"`
}

// Backend implements storage.Backend using the local filesystem.
type Backend struct {
	rootPath string
}

// New creates a local backend rooted at cfg.RootPath and ensures the root
// exists.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}
	b := &Backend{rootPath: cfg.RootPath}
	if err := b.Init(context.Background()); err != nil {
		return nil, err
	}
	return b, nil
}

// Init idempotently creates the storage root directory.
func (b *Backend) Init(_ context.Context) error {
	if err := os.MkdirAll(b.rootPath, 0o750); err != nil {
		return fmt.Errorf("create storage root %s: %w", b.rootPath, err)
	}
	return nil
}

// Store writes data to a file named {code}_{unixnano}_{uuid} under the
// root. The uniqueness suffix means retried codes never collide on disk.
// Writes go through a temp file and rename so readers never observe a
// partial blob.
func (b *Backend) Store(_ context.Context, data []byte, accessCode string) (string, error) {
	start := time.Now()

	if len(data) == 0 {
		return "", storage.ErrInvalidInput
	}
	if accessCode == "" || strings.Contains(accessCode, "..") ||
		strings.ContainsAny(accessCode, `/\`) {
		return "", fmt.Errorf("%w: bad access code %q", storage.ErrInvalidInput, accessCode)
	}

	name := fmt.Sprintf("%s_%d_%s", accessCode, time.Now().UnixNano(), uuid.NewString())
	fullPath := filepath.Join(b.rootPath, name)

	tmp, err := os.CreateTemp(b.rootPath, ".securedrop-*.tmp")
	if err != nil {
		metrics.RecordStorageOperation("store", time.Since(start), false)
		return "", fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.RecordStorageOperation("store", time.Since(start), false)
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		metrics.RecordStorageOperation("store", time.Since(start), false)
		return "", fmt.Errorf("close temp for %s: %w", name, err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		os.Remove(tmpName)
		metrics.RecordStorageOperation("store", time.Since(start), false)
		return "", fmt.Errorf("rename temp to %s: %w", name, err)
	}

	metrics.RecordStorageOperation("store", time.Since(start), true)
	return name, nil
}

// Load reads a blob back by its path.
func (b *Backend) Load(_ context.Context, path string) ([]byte, error) {
	start := time.Now()

	fullPath, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		metrics.RecordStorageOperation("load", time.Since(start), false)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	metrics.RecordStorageOperation("load", time.Since(start), true)
	return data, nil
}

// Delete removes a blob. Missing blobs are not an error.
func (b *Backend) Delete(_ context.Context, path string) (bool, error) {
	start := time.Now()

	fullPath, err := b.resolve(path)
	if err != nil {
		return false, err
	}
	err = os.Remove(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			metrics.RecordStorageOperation("delete", time.Since(start), true)
			return false, nil
		}
		metrics.RecordStorageOperation("delete", time.Since(start), false)
		return false, fmt.Errorf("delete %s: %w", path, err)
	}

	metrics.RecordStorageOperation("delete", time.Since(start), true)
	return true, nil
}

// DeleteAll removes the entire storage root and recreates it empty.
func (b *Backend) DeleteAll(ctx context.Context) error {
	if err := os.RemoveAll(b.rootPath); err != nil {
		return fmt.Errorf("purge storage root %s: %w", b.rootPath, err)
	}
	return b.Init(ctx)
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }

// resolve joins path onto the root and rejects anything that escapes it.
func (b *Backend) resolve(path string) (string, error) {
	if path == "" || strings.Contains(path, "..") ||
		strings.ContainsAny(path, `/\`) {
		return "", fmt.Errorf("%w: bad blob path %q", storage.ErrInvalidInput, path)
	}
	return filepath.Join(b.rootPath, path), nil
}
