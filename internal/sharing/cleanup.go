package sharing

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/securedrop/securedrop/internal/logging"
	"github.com/securedrop/securedrop/internal/metadata"
	"github.com/securedrop/securedrop/internal/metrics"
)

// Cleaner periodically reclaims records whose quota is exhausted or whose
// expiry deadline has passed, deleting blob then metadata for each.
type Cleaner struct {
	store    metadata.Store
	blobs    blobDeleter
	interval time.Duration
	now      func() time.Time

	// running guards against overlapping sweeps.
	running atomic.Bool
}

// blobDeleter is the slice of storage.Backend the sweep needs.
type blobDeleter interface {
	Delete(ctx context.Context, path string) (bool, error)
}

// NewCleaner creates a sweeper over the given store and blob backend.
// A non-positive interval defaults to one hour.
func NewCleaner(store metadata.Store, blobs blobDeleter, interval time.Duration, now func() time.Time) *Cleaner {
	if interval <= 0 {
		interval = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &Cleaner{
		store:    store,
		blobs:    blobs,
		interval: interval,
		now:      now,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (c *Cleaner) Start(ctx context.Context) {
	logging.Info("cleanup sweeper started",
		zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info("cleanup sweeper stopped")
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				logging.Error("cleanup sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single sweep and returns how many records were
// reclaimed. If a previous sweep is still running it returns immediately.
func (c *Cleaner) RunOnce(ctx context.Context) (int, error) {
	if !c.running.CompareAndSwap(false, true) {
		logging.Warn("cleanup sweep still running, skipping this tick")
		return 0, nil
	}
	defer c.running.Store(false)

	start := time.Now()
	now := c.now()

	candidates, err := c.store.ListReclaimable(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		logging.Debug("no expired or exhausted files to clean up")
		return 0, nil
	}

	reclaimed, failures := 0, 0
	for _, rec := range candidates {
		if err := c.reclaim(ctx, rec, now); err != nil {
			// One bad record must not stop the batch.
			failures++
			logging.Error("failed to reclaim file",
				zap.String("code", rec.AccessCode),
				zap.Error(err))
			continue
		}
		reclaimed++
	}

	metrics.RecordCleanupRun(reclaimed, failures, time.Since(start))
	logging.Info("cleanup sweep completed",
		zap.Int("reclaimed", reclaimed),
		zap.Int("failures", failures),
		zap.Duration("duration", time.Since(start)))
	return reclaimed, nil
}

// reclaim claims one record under the per-code lock, then deletes blob and
// metadata. The claim re-checks the predicate so a record whose settings
// were extended since the scan survives, and persists a terminal status so
// racing downloads observe the record as gone.
func (c *Cleaner) reclaim(ctx context.Context, rec *metadata.FileRecord, now time.Time) error {
	claimed, err := c.store.Mutate(ctx, rec.AccessCode, func(r *metadata.FileRecord) (bool, error) {
		if !r.Reclaimable(now) {
			return false, errSkipReclaim
		}
		if r.MaxDownloads > 0 && r.DownloadCount >= r.MaxDownloads {
			r.Status = metadata.StatusInactive
		} else {
			r.Status = metadata.StatusExpired
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, errSkipReclaim) {
			logging.Debug("record no longer reclaimable, skipping",
				zap.String("code", rec.AccessCode))
			return nil
		}
		if errors.Is(err, metadata.ErrNotFound) {
			// Already reclaimed by a concurrent owner delete.
			return nil
		}
		return err
	}

	if removed, err := c.blobs.Delete(ctx, claimed.StoragePath); err != nil {
		// Blob failures are logged and swallowed: metadata is
		// authoritative and must still be removed.
		logging.Warn("blob delete failed during cleanup",
			zap.String("code", claimed.AccessCode),
			zap.String("path", claimed.StoragePath),
			zap.Error(err))
	} else if !removed {
		logging.Warn("blob already gone during cleanup",
			zap.String("code", claimed.AccessCode),
			zap.String("path", claimed.StoragePath))
	}

	if _, err := c.store.Delete(ctx, claimed.AccessCode); err != nil {
		return err
	}

	logging.Debug("reclaimed file",
		zap.String("code", claimed.AccessCode),
		zap.String("status", string(claimed.Status)))
	return nil
}

var errSkipReclaim = errors.New("sharing: record no longer reclaimable")
