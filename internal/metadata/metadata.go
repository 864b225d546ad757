// Package metadata defines the file record model and the Store interface
// over which the lifecycle service and cleanup sweep operate.
package metadata

import (
	"context"
	"errors"
	"time"
)

// StorageMode says who may manage a record.
type StorageMode string

const (
	// PublicPool records are anonymous; nobody can update or delete them
	// through the API, they age out via expiry or quota.
	PublicPool StorageMode = "public_pool"
	// PrivateVault records belong to an owner who can adjust settings,
	// publish or delete them.
	PrivateVault StorageMode = "private_vault"
)

// Status is the cached view of the expiry/quota predicate.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusInactive Status = "inactive"
)

var (
	// ErrNotFound is returned when no record exists for an access code.
	ErrNotFound = errors.New("metadata: record not found")
	// ErrCodeTaken is returned by Insert when the access code is already
	// in use. The store enforces this at insert time, not by pre-check.
	ErrCodeTaken = errors.New("metadata: access code already in use")
)

// FileRecord is one uploaded file's durable metadata.
type FileRecord struct {
	AccessCode  string
	FileName    string
	ContentType string
	Size        int64

	// StoragePath is the opaque blob handle owned by the storage backend.
	StoragePath string

	// OwnerID is empty for anonymous public-pool records.
	OwnerID string
	Mode    StorageMode

	CreatedAt time.Time
	ExpiresAt time.Time

	// MaxDownloads <= 0 means unlimited.
	MaxDownloads  int
	DownloadCount int

	Status Status
}

// Reclaimable reports whether the record matches the cleanup predicate:
// download quota exhausted or expiry deadline passed.
func (r *FileRecord) Reclaimable(now time.Time) bool {
	if r.MaxDownloads > 0 && r.DownloadCount >= r.MaxDownloads {
		return true
	}
	return !r.ExpiresAt.After(now)
}

// Clone returns a deep copy of the record.
func (r *FileRecord) Clone() *FileRecord {
	c := *r
	return &c
}

// MutateFunc inspects and optionally modifies a record under the store's
// per-code exclusion. The record is persisted whenever save is true, even
// if err is non-nil: this lets callers persist a status transition and
// still report it as an error (e.g. mark a record expired and raise).
type MutateFunc func(rec *FileRecord) (save bool, err error)

// Store is the durable home of file records. Implementations must enforce
// access code uniqueness at insert time and serialize Mutate calls per
// access code.
type Store interface {
	// Insert persists a new record. Returns ErrCodeTaken if the access
	// code is already present.
	Insert(ctx context.Context, rec *FileRecord) error

	// GetByCode returns the record for an access code, or ErrNotFound.
	GetByCode(ctx context.Context, code string) (*FileRecord, error)

	// Mutate runs fn on the record for code under per-code mutual
	// exclusion, persisting the result per fn's save flag. It returns the
	// record as fn left it alongside fn's error. Returns ErrNotFound if
	// no record exists.
	Mutate(ctx context.Context, code string, fn MutateFunc) (*FileRecord, error)

	// Delete removes the record, reporting whether one existed.
	Delete(ctx context.Context, code string) (bool, error)

	// ListByOwner returns one page of an owner's records ordered by
	// creation time descending, plus the total count.
	ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*FileRecord, int, error)

	// ListReclaimable returns all records matching the cleanup predicate
	// at the given instant.
	ListReclaimable(ctx context.Context, now time.Time) ([]*FileRecord, error)

	// Close releases store resources.
	Close() error
}
