// Package sharing implements the file lifecycle: uploads receive an access
// code, downloads consume a quota, owners adjust settings or publish, and
// the cleanup sweep reclaims expired or exhausted records.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/securedrop/securedrop/internal/accesscode"
	"github.com/securedrop/securedrop/internal/encryption"
	"github.com/securedrop/securedrop/internal/logging"
	"github.com/securedrop/securedrop/internal/metadata"
	"github.com/securedrop/securedrop/internal/metrics"
	"github.com/securedrop/securedrop/internal/storage"
)

// maxCodeAttempts bounds code allocation retries. The code space holds
// 17,576,000 values, so exhausting this bound points at a store problem.
const maxCodeAttempts = 100

// Config holds lifecycle policy settings.
type Config struct {
	// BaseURL is the prefix for share links.
	BaseURL string
	// DefaultExpiry applies when an upload requests no expiry (24h).
	DefaultExpiry time.Duration
	// DefaultMaxDownloads applies when an upload requests no quota (1).
	DefaultMaxDownloads int
	// Now supplies the current time; defaults to time.Now. Injected so
	// expiry behavior is testable.
	Now func() time.Time
}

// Service orchestrates the metadata store, blob backend and encryption
// engine under the upload/download/update/publish/delete policy.
type Service struct {
	store               metadata.Store
	blobs               storage.Backend
	keys                encryption.KeySource
	baseURL             string
	defaultExpiry       time.Duration
	defaultMaxDownloads int
	now                 func() time.Time
}

// NewService creates a lifecycle service.
func NewService(store metadata.Store, blobs storage.Backend, keys encryption.KeySource, cfg Config) *Service {
	s := &Service{
		store:               store,
		blobs:               blobs,
		keys:                keys,
		baseURL:             cfg.BaseURL,
		defaultExpiry:       cfg.DefaultExpiry,
		defaultMaxDownloads: cfg.DefaultMaxDownloads,
		now:                 cfg.Now,
	}
	if s.defaultExpiry <= 0 {
		s.defaultExpiry = 24 * time.Hour
	}
	if s.defaultMaxDownloads <= 0 {
		s.defaultMaxDownloads = 1
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// UploadInput carries one upload request.
type UploadInput struct {
	Data        []byte
	FileName    string
	ContentType string
	// OwnerID is empty for anonymous public-pool uploads.
	OwnerID string
	// ExpiryHours <= 0 selects the default expiry.
	ExpiryHours int
	// MaxDownloads <= 0 selects the default quota.
	MaxDownloads int
}

// Upload encrypts and stores the payload, allocates a unique access code
// and persists the record. The insert is the uniqueness authority: on a
// code collision the whole attempt is retried with a fresh code.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*Descriptor, error) {
	if len(in.Data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidInput)
	}

	now := s.now()
	expiresAt := now.Add(s.defaultExpiry)
	if in.ExpiryHours > 0 {
		expiresAt = now.Add(time.Duration(in.ExpiryHours) * time.Hour)
	}
	maxDownloads := s.defaultMaxDownloads
	if in.MaxDownloads > 0 {
		maxDownloads = in.MaxDownloads
	}
	mode := metadata.PublicPool
	if in.OwnerID != "" {
		mode = metadata.PrivateVault
	}

	key, err := s.keys.CurrentKey()
	if err != nil {
		return nil, fmt.Errorf("get encryption key: %w", err)
	}
	sealed, err := encryption.Encrypt(in.Data, key)
	if err != nil {
		return nil, fmt.Errorf("encrypt file: %w", err)
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := accesscode.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate access code: %w", err)
		}

		// Cheap pre-check; the insert below remains the authority.
		if _, err := s.store.GetByCode(ctx, code); err == nil {
			metrics.RecordCodeCollision()
			continue
		} else if !errors.Is(err, metadata.ErrNotFound) {
			return nil, fmt.Errorf("check access code: %w", err)
		}

		path, err := s.blobs.Store(ctx, sealed, code)
		if err != nil {
			metrics.RecordUpload(0, false)
			return nil, fmt.Errorf("store blob: %w", err)
		}

		rec := &metadata.FileRecord{
			AccessCode:   code,
			FileName:     in.FileName,
			ContentType:  in.ContentType,
			Size:         int64(len(in.Data)),
			StoragePath:  path,
			OwnerID:      in.OwnerID,
			Mode:         mode,
			CreatedAt:    now,
			ExpiresAt:    expiresAt,
			MaxDownloads: maxDownloads,
			Status:       metadata.StatusActive,
		}

		if err := s.store.Insert(ctx, rec); err != nil {
			s.discardBlob(ctx, path)
			if errors.Is(err, metadata.ErrCodeTaken) {
				// Lost the allocation race; retry with a new code.
				metrics.RecordCodeCollision()
				continue
			}
			metrics.RecordUpload(0, false)
			return nil, fmt.Errorf("persist record: %w", err)
		}

		metrics.RecordUpload(rec.Size, true)
		logging.Info("file uploaded",
			zap.String("code", code),
			zap.String("mode", string(mode)),
			zap.Int64("size", rec.Size),
			zap.Time("expires_at", expiresAt),
			zap.Int("max_downloads", maxDownloads))
		return s.describe(rec), nil
	}

	logging.Error("access code space exhausted",
		zap.Int("attempts", maxCodeAttempts))
	metrics.RecordUpload(0, false)
	return nil, ErrCodeSpaceExhausted
}

// GetMetadata returns the descriptor for an access code. A record past its
// deadline transitions to expired, the transition is persisted, and
// ErrExpired is returned. Download counts are never touched.
func (s *Service) GetMetadata(ctx context.Context, code string) (*Descriptor, error) {
	rec, err := s.store.Mutate(ctx, code, s.expiryCheck())
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.describe(rec), nil
}

// Download enforces expiry and quota, atomically consumes one download and
// returns the decrypted payload. The blob read and decrypt run inside the
// per-code critical section, so a concurrent sweep cannot reclaim the blob
// mid-download and the count only advances when plaintext was produced.
func (s *Service) Download(ctx context.Context, code string) (data []byte, contentType, fileName string, err error) {
	var plaintext []byte

	rec, err := s.store.Mutate(ctx, code, func(r *metadata.FileRecord) (bool, error) {
		now := s.now()
		if !r.ExpiresAt.After(now) {
			if r.Status != metadata.StatusExpired {
				r.Status = metadata.StatusExpired
				return true, ErrExpired
			}
			return false, ErrExpired
		}

		if r.MaxDownloads > 0 && r.DownloadCount >= r.MaxDownloads {
			return false, ErrDownloadLimitExceeded
		}

		blob, loadErr := s.blobs.Load(ctx, r.StoragePath)
		if loadErr != nil {
			if errors.Is(loadErr, storage.ErrNotFound) {
				return false, fmt.Errorf("%w: blob missing", ErrNotFound)
			}
			return false, fmt.Errorf("load blob: %w", loadErr)
		}

		key, keyErr := s.keys.CurrentKey()
		if keyErr != nil {
			return false, fmt.Errorf("get encryption key: %w", keyErr)
		}
		pt, decErr := encryption.Decrypt(blob, key)
		if decErr != nil {
			return false, decErr
		}

		r.DownloadCount++
		if r.MaxDownloads > 0 && r.DownloadCount >= r.MaxDownloads {
			r.Status = metadata.StatusInactive
		}
		plaintext = pt
		return true, nil
	})
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			err = ErrNotFound
		}
		metrics.RecordDownload(0, downloadOutcome(err))
		return nil, "", "", err
	}

	metrics.RecordDownload(rec.Size, "success")
	logging.Info("file downloaded",
		zap.String("code", code),
		zap.Int("count", rec.DownloadCount),
		zap.Int("max_downloads", rec.MaxDownloads))
	return plaintext, rec.ContentType, rec.FileName, nil
}

// Settings carries an owner's settings update. Zero values mean "no
// change" for every field.
type Settings struct {
	// Mode switches the record between public pool and private vault.
	Mode metadata.StorageMode
	// ExpiresInHours > 0 moves the deadline to now + this many hours.
	ExpiresInHours int
	// MaxDownloads > 0 replaces the quota; it must not undercut the
	// current download count.
	MaxDownloads int
}

// UpdateSettings applies any subset of expiry/quota/mode atomically and
// recomputes the record's status, which is the only way a record returns
// to active after expiring or exhausting its quota.
func (s *Service) UpdateSettings(ctx context.Context, code, ownerID string, settings Settings) (*Descriptor, error) {
	if settings.Mode != "" &&
		settings.Mode != metadata.PublicPool && settings.Mode != metadata.PrivateVault {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, settings.Mode)
	}

	rec, err := s.store.Mutate(ctx, code, func(r *metadata.FileRecord) (bool, error) {
		if err := checkOwner(r, ownerID); err != nil {
			return false, err
		}
		if settings.MaxDownloads > 0 && settings.MaxDownloads < r.DownloadCount {
			return false, fmt.Errorf("%w: max downloads %d below current count %d",
				ErrInvalidInput, settings.MaxDownloads, r.DownloadCount)
		}

		now := s.now()
		if settings.ExpiresInHours > 0 {
			r.ExpiresAt = now.Add(time.Duration(settings.ExpiresInHours) * time.Hour)
		}
		if settings.MaxDownloads > 0 {
			r.MaxDownloads = settings.MaxDownloads
		}
		if settings.Mode != "" {
			r.Mode = settings.Mode
		}
		r.Status = computeStatus(r, now)
		return true, nil
	})
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	logging.Info("file settings updated",
		zap.String("code", code),
		zap.String("owner", ownerID),
		zap.String("status", string(rec.Status)))
	return s.describe(rec), nil
}

// Publish moves an owned record to the public pool, clearing its owner.
// There is no unpublish.
func (s *Service) Publish(ctx context.Context, code, ownerID string) (*Descriptor, error) {
	rec, err := s.store.Mutate(ctx, code, func(r *metadata.FileRecord) (bool, error) {
		if err := checkOwner(r, ownerID); err != nil {
			return false, err
		}
		r.OwnerID = ""
		r.Mode = metadata.PublicPool
		return true, nil
	})
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	logging.Info("file published to public pool",
		zap.String("code", code),
		zap.String("previous_owner", ownerID))
	return s.describe(rec), nil
}

// Delete removes an owned record. The blob delete is best-effort: an
// orphaned blob is recoverable, a dangling metadata row is not, so the
// record goes regardless of blob outcome.
func (s *Service) Delete(ctx context.Context, code, ownerID string) error {
	rec, err := s.store.Mutate(ctx, code, func(r *metadata.FileRecord) (bool, error) {
		return false, checkOwner(r, ownerID)
	})
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	s.discardBlob(ctx, rec.StoragePath)
	if _, err := s.store.Delete(ctx, code); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}

	logging.Info("file deleted",
		zap.String("code", code),
		zap.String("owner", ownerID))
	return nil
}

// ListByOwner returns one page of the caller's records. Read-only: no
// status transitions happen here.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, page, pageSize int) (*Page, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if page < 0 {
		page = 0
	}

	records, total, err := s.store.ListByOwner(ctx, ownerID, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("list by owner: %w", err)
	}

	items := make([]*Descriptor, 0, len(records))
	for _, rec := range records {
		items = append(items, s.describe(rec))
	}
	return &Page{Items: items, Page: page, PageSize: pageSize, Total: total}, nil
}

// expiryCheck is the shared read-path policy: persist the expired
// transition on first detection and raise ErrExpired.
func (s *Service) expiryCheck() metadata.MutateFunc {
	return func(r *metadata.FileRecord) (bool, error) {
		if !r.ExpiresAt.After(s.now()) {
			if r.Status != metadata.StatusExpired {
				r.Status = metadata.StatusExpired
				return true, ErrExpired
			}
			return false, ErrExpired
		}
		return false, nil
	}
}

// discardBlob deletes a blob on a best-effort path, logging failures.
func (s *Service) discardBlob(ctx context.Context, path string) {
	if removed, err := s.blobs.Delete(ctx, path); err != nil {
		logging.Warn("blob delete failed",
			zap.String("path", path),
			zap.Error(err))
	} else if !removed {
		logging.Debug("blob already gone", zap.String("path", path))
	}
}

func checkOwner(r *metadata.FileRecord, ownerID string) error {
	if r.OwnerID == "" || r.OwnerID != ownerID {
		return ErrUnauthorized
	}
	return nil
}

func computeStatus(r *metadata.FileRecord, now time.Time) metadata.Status {
	if r.MaxDownloads > 0 && r.DownloadCount >= r.MaxDownloads {
		return metadata.StatusInactive
	}
	if !r.ExpiresAt.After(now) {
		return metadata.StatusExpired
	}
	return metadata.StatusActive
}

func downloadOutcome(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrDownloadLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, encryption.ErrAuthentication):
		return "auth_failure"
	default:
		return "error"
	}
}
