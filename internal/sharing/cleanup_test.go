package sharing

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/securedrop/securedrop/internal/encryption"
	"github.com/securedrop/securedrop/internal/metadata"
	"github.com/securedrop/securedrop/internal/metadata/memory"
	"github.com/securedrop/securedrop/internal/storage/local"
)

func newCleanupEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New()
	blobs, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "blobs")})
	if err != nil {
		t.Fatalf("local backend: %v", err)
	}
	keys, err := encryption.NewStaticKeySource("cleanup-test-secret")
	if err != nil {
		t.Fatalf("key source: %v", err)
	}
	clock := newFakeClock()

	svc := NewService(store, blobs, keys, Config{
		BaseURL: "https://drop.example.com",
		Now:     clock.Now,
	})
	return &testEnv{svc: svc, store: store, blobs: blobs, clock: clock}
}

func TestRunOnceReclaimsOnlyEligible(t *testing.T) {
	ctx := context.Background()
	env := newCleanupEnv(t)

	upload := func(expiryHours, maxDownloads int) *Descriptor {
		t.Helper()
		desc, err := env.svc.Upload(ctx, UploadInput{
			Data:         []byte("sweep target"),
			FileName:     "s.bin",
			ContentType:  "application/octet-stream",
			ExpiryHours:  expiryHours,
			MaxDownloads: maxDownloads,
		})
		if err != nil {
			t.Fatalf("Upload: %v", err)
		}
		return desc
	}

	expired := upload(1, 10)
	fresh := upload(48, 10)
	exhausted := upload(48, 1)

	if _, _, _, err := env.svc.Download(ctx, exhausted.AccessCode); err != nil {
		t.Fatalf("consume quota: %v", err)
	}

	// An unquoted record with many downloads behind it must survive.
	now := env.clock.Now()
	unlimited := &metadata.FileRecord{
		AccessCode:    "UNL-000",
		FileName:      "unlimited.bin",
		ContentType:   "application/octet-stream",
		Size:          4,
		StoragePath:   "unused",
		Mode:          metadata.PublicPool,
		CreatedAt:     now,
		ExpiresAt:     now.Add(48 * time.Hour),
		MaxDownloads:  0,
		DownloadCount: 1000,
		Status:        metadata.StatusActive,
	}
	if err := env.store.Insert(ctx, unlimited); err != nil {
		t.Fatalf("insert unlimited record: %v", err)
	}

	env.clock.Advance(2 * time.Hour)

	cleaner := NewCleaner(env.store, env.blobs, time.Hour, env.clock.Now)
	reclaimed, err := cleaner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if reclaimed != 2 {
		t.Errorf("reclaimed: got %d, want 2", reclaimed)
	}

	for _, code := range []string{expired.AccessCode, exhausted.AccessCode} {
		if _, err := env.store.GetByCode(ctx, code); !errors.Is(err, metadata.ErrNotFound) {
			t.Errorf("record %s survived the sweep: %v", code, err)
		}
	}
	for _, code := range []string{fresh.AccessCode, unlimited.AccessCode} {
		if _, err := env.store.GetByCode(ctx, code); err != nil {
			t.Errorf("record %s wrongly reclaimed: %v", code, err)
		}
	}

	// Reclaimed blobs are gone, survivors keep theirs.
	if rec, err := env.store.GetByCode(ctx, fresh.AccessCode); err == nil {
		if _, err := env.blobs.Load(ctx, rec.StoragePath); err != nil {
			t.Errorf("survivor blob missing: %v", err)
		}
	}
}

func TestRunOnceBlobFailureStillRemovesMetadata(t *testing.T) {
	ctx := context.Background()
	env := newCleanupEnv(t)

	first, err := env.svc.Upload(ctx, UploadInput{
		Data:        []byte("one"),
		FileName:    "one.bin",
		ContentType: "application/octet-stream",
		ExpiryHours: 1,
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	second, err := env.svc.Upload(ctx, UploadInput{
		Data:        []byte("two"),
		FileName:    "two.bin",
		ContentType: "application/octet-stream",
		ExpiryHours: 1,
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	env.clock.Advance(2 * time.Hour)

	failing := &flakyBlobDeleter{inner: env.blobs, failures: 1}
	cleaner := NewCleaner(env.store, failing, time.Hour, env.clock.Now)

	reclaimed, err := cleaner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if reclaimed != 2 {
		t.Errorf("reclaimed: got %d, want 2", reclaimed)
	}

	// Metadata is authoritative: both records are gone even though one
	// blob delete failed.
	for _, code := range []string{first.AccessCode, second.AccessCode} {
		if _, err := env.store.GetByCode(ctx, code); !errors.Is(err, metadata.ErrNotFound) {
			t.Errorf("record %s survived: %v", code, err)
		}
	}
	if failing.calls != 2 {
		t.Errorf("blob deleter calls: got %d, want 2", failing.calls)
	}
}

func TestRunOnceSkipsExtendedRecord(t *testing.T) {
	ctx := context.Background()
	env := newCleanupEnv(t)

	desc, err := env.svc.Upload(ctx, UploadInput{
		Data:        []byte("extend me"),
		FileName:    "ext.bin",
		ContentType: "application/octet-stream",
		OwnerID:     "alice",
		ExpiryHours: 1,
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	env.clock.Advance(2 * time.Hour)

	// Simulate a settings extension racing the sweep: the scan sees the
	// stale record, the claim re-check must see the extension.
	stale, err := env.store.GetByCode(ctx, desc.AccessCode)
	if err != nil {
		t.Fatalf("GetByCode: %v", err)
	}
	if _, err := env.svc.UpdateSettings(ctx, desc.AccessCode, "alice", Settings{ExpiresInHours: 24}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	cleaner := NewCleaner(env.store, env.blobs, time.Hour, env.clock.Now)
	if err := cleaner.reclaim(ctx, stale, env.clock.Now()); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	rec, err := env.store.GetByCode(ctx, desc.AccessCode)
	if err != nil {
		t.Fatalf("extended record was reclaimed: %v", err)
	}
	if rec.Status != metadata.StatusActive {
		t.Errorf("status: got %s, want active", rec.Status)
	}
	if _, err := env.blobs.Load(ctx, rec.StoragePath); err != nil {
		t.Errorf("extended record lost its blob: %v", err)
	}
}

func TestRunOnceNotReentrant(t *testing.T) {
	ctx := context.Background()
	env := newCleanupEnv(t)

	if _, err := env.svc.Upload(ctx, UploadInput{
		Data:        []byte("slow sweep"),
		FileName:    "slow.bin",
		ContentType: "application/octet-stream",
		ExpiryHours: 1,
	}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	env.clock.Advance(2 * time.Hour)

	release := make(chan struct{})
	started := make(chan struct{})
	blocking := &blockingBlobDeleter{inner: env.blobs, started: started, release: release}
	cleaner := NewCleaner(env.store, blocking, time.Hour, env.clock.Now)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := cleaner.RunOnce(ctx); err != nil {
			t.Errorf("first RunOnce: %v", err)
		}
	}()

	<-started
	// The overlapping sweep returns immediately without touching anything.
	reclaimed, err := cleaner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("overlapping RunOnce: %v", err)
	}
	if reclaimed != 0 {
		t.Errorf("overlapping sweep reclaimed %d records", reclaimed)
	}

	close(release)
	wg.Wait()
}

// flakyBlobDeleter fails the first n deletes, then delegates.
type flakyBlobDeleter struct {
	inner    blobDeleter
	failures int
	calls    int
}

func (f *flakyBlobDeleter) Delete(ctx context.Context, path string) (bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return false, errors.New("storage backend unavailable")
	}
	return f.inner.Delete(ctx, path)
}

// blockingBlobDeleter signals when the first delete starts and waits for
// release before finishing it.
type blockingBlobDeleter struct {
	inner   blobDeleter
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingBlobDeleter) Delete(ctx context.Context, path string) (bool, error) {
	b.once.Do(func() {
		close(b.started)
		<-b.release
	})
	return b.inner.Delete(ctx, path)
}
