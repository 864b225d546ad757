package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/securedrop/securedrop/internal/metadata"
)

func newRecord(code, owner string, expiresAt time.Time, maxDownloads int) *metadata.FileRecord {
	mode := metadata.PublicPool
	if owner != "" {
		mode = metadata.PrivateVault
	}
	return &metadata.FileRecord{
		AccessCode:   code,
		FileName:     "test.txt",
		ContentType:  "text/plain",
		Size:         10,
		StoragePath:  code + "_blob",
		OwnerID:      owner,
		Mode:         mode,
		CreatedAt:    expiresAt.Add(-24 * time.Hour),
		ExpiresAt:    expiresAt,
		MaxDownloads: maxDownloads,
		Status:       metadata.StatusActive,
	}
}

func TestInsertDuplicate(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec := newRecord("AAA-111", "", time.Now().Add(time.Hour), 1)

	if err := s.Insert(ctx, rec); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.Insert(ctx, rec); !errors.Is(err, metadata.ErrCodeTaken) {
		t.Fatalf("duplicate insert: got %v, want ErrCodeTaken", err)
	}
}

func TestGetByCodeReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Insert(ctx, newRecord("AAA-111", "", time.Now().Add(time.Hour), 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetByCode(ctx, "AAA-111")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.DownloadCount = 99

	again, err := s.GetByCode(ctx, "AAA-111")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.DownloadCount != 0 {
		t.Errorf("stored record mutated through returned copy")
	}

	if _, err := s.GetByCode(ctx, "ZZZ-999"); !errors.Is(err, metadata.ErrNotFound) {
		t.Errorf("missing code: got %v, want ErrNotFound", err)
	}
}

func TestMutatePersistsOnSaveEvenWithError(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Insert(ctx, newRecord("AAA-111", "", time.Now().Add(time.Hour), 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	sentinel := errors.New("expired")
	_, err := s.Mutate(ctx, "AAA-111", func(rec *metadata.FileRecord) (bool, error) {
		rec.Status = metadata.StatusExpired
		return true, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("mutate error: got %v, want sentinel", err)
	}

	rec, err := s.GetByCode(ctx, "AAA-111")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != metadata.StatusExpired {
		t.Errorf("status transition not persisted alongside error: got %s", rec.Status)
	}
}

func TestMutateNoSaveDiscards(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Insert(ctx, newRecord("AAA-111", "", time.Now().Add(time.Hour), 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err := s.Mutate(ctx, "AAA-111", func(rec *metadata.FileRecord) (bool, error) {
		rec.DownloadCount = 42
		return false, nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	rec, _ := s.GetByCode(ctx, "AAA-111")
	if rec.DownloadCount != 0 {
		t.Errorf("unsaved mutation persisted: count=%d", rec.DownloadCount)
	}
}

func TestMutateSerializesPerCode(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Insert(ctx, newRecord("AAA-111", "", time.Now().Add(time.Hour), 0)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Mutate(ctx, "AAA-111", func(rec *metadata.FileRecord) (bool, error) {
				rec.DownloadCount++
				return true, nil
			})
			if err != nil {
				t.Errorf("mutate: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, _ := s.GetByCode(ctx, "AAA-111")
	if rec.DownloadCount != n {
		t.Errorf("lost updates: count=%d, want %d", rec.DownloadCount, n)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Insert(ctx, newRecord("AAA-111", "", time.Now().Add(time.Hour), 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	existed, err := s.Delete(ctx, "AAA-111")
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	existed, err = s.Delete(ctx, "AAA-111")
	if err != nil || existed {
		t.Fatalf("second delete: existed=%v err=%v, want false nil", existed, err)
	}
	if _, err := s.Mutate(ctx, "AAA-111", func(*metadata.FileRecord) (bool, error) { return false, nil }); !errors.Is(err, metadata.ErrNotFound) {
		t.Errorf("mutate after delete: got %v, want ErrNotFound", err)
	}
}

func TestListByOwnerPaging(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := newRecord(fmt.Sprintf("AAA-10%d", i), "alice", base.Add(time.Duration(i)*time.Hour), 1)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.Insert(ctx, newRecord("BBB-100", "bob", base, 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(ctx, newRecord("CCC-100", "", base, 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	page0, total, err := s.ListByOwner(ctx, "alice", 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Errorf("total: got %d, want 5", total)
	}
	if len(page0) != 2 {
		t.Fatalf("page 0 size: got %d, want 2", len(page0))
	}
	// Newest first.
	if page0[0].AccessCode != "AAA-104" || page0[1].AccessCode != "AAA-103" {
		t.Errorf("page 0 order: got %s, %s", page0[0].AccessCode, page0[1].AccessCode)
	}

	page2, _, err := s.ListByOwner(ctx, "alice", 2, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page2) != 1 || page2[0].AccessCode != "AAA-100" {
		t.Errorf("page 2: got %v", page2)
	}

	beyond, _, err := s.ListByOwner(ctx, "alice", 10, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(beyond) != 0 {
		t.Errorf("page past end: got %d records", len(beyond))
	}

	// Anonymous records never list, even under an empty owner ID.
	anon, total, err := s.ListByOwner(ctx, "", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 0 || len(anon) != 0 {
		t.Errorf("anonymous listing: got %d records (total %d)", len(anon), total)
	}
}

func TestListReclaimable(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	fresh := newRecord("AAA-111", "", now.Add(time.Hour), 2)
	expired := newRecord("BBB-222", "", now.Add(-time.Minute), 2)
	exhausted := newRecord("CCC-333", "", now.Add(time.Hour), 1)
	exhausted.DownloadCount = 1
	unlimited := newRecord("DDD-444", "", now.Add(time.Hour), 0)
	unlimited.DownloadCount = 1000

	for _, rec := range []*metadata.FileRecord{fresh, expired, exhausted, unlimited} {
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("insert %s: %v", rec.AccessCode, err)
		}
	}

	got, err := s.ListReclaimable(ctx, now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	codes := make(map[string]bool)
	for _, rec := range got {
		codes[rec.AccessCode] = true
	}
	if len(codes) != 2 || !codes["BBB-222"] || !codes["CCC-333"] {
		t.Errorf("reclaimable set: got %v, want {BBB-222, CCC-333}", codes)
	}
}
