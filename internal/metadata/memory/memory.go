// Package memory provides an in-memory metadata store. It backs tests and
// single-process deployments that do not need durability.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/securedrop/securedrop/internal/metadata"
)

// Store is an in-memory metadata.Store. A per-code lock table serializes
// Mutate calls per access code without blocking unrelated records.
type Store struct {
	mu      sync.RWMutex
	records map[string]*metadata.FileRecord

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		records: make(map[string]*metadata.FileRecord),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Store) codeLock(code string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[code]
	if !ok {
		l = &sync.Mutex{}
		s.locks[code] = l
	}
	return l
}

// Insert persists a new record, enforcing code uniqueness.
func (s *Store) Insert(_ context.Context, rec *metadata.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.AccessCode]; exists {
		return metadata.ErrCodeTaken
	}
	s.records[rec.AccessCode] = rec.Clone()
	return nil
}

// GetByCode returns a copy of the record for code.
func (s *Store) GetByCode(_ context.Context, code string) (*metadata.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[code]
	if !ok {
		return nil, metadata.ErrNotFound
	}
	return rec.Clone(), nil
}

// Mutate runs fn under the per-code lock and persists the result when fn
// sets save, even if fn also returns an error.
func (s *Store) Mutate(_ context.Context, code string, fn metadata.MutateFunc) (*metadata.FileRecord, error) {
	l := s.codeLock(code)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	stored, ok := s.records[code]
	s.mu.RUnlock()
	if !ok {
		return nil, metadata.ErrNotFound
	}

	work := stored.Clone()
	save, err := fn(work)
	if save {
		s.mu.Lock()
		// The record may have been deleted while fn ran; only re-persist
		// if it still exists.
		if _, still := s.records[code]; still {
			s.records[code] = work.Clone()
		}
		s.mu.Unlock()
	}
	return work, err
}

// Delete removes the record and its lock entry.
func (s *Store) Delete(_ context.Context, code string) (bool, error) {
	l := s.codeLock(code)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	_, existed := s.records[code]
	delete(s.records, code)
	s.mu.Unlock()

	s.lockMu.Lock()
	delete(s.locks, code)
	s.lockMu.Unlock()

	return existed, nil
}

// ListByOwner returns one page of an owner's records, newest first.
func (s *Store) ListByOwner(_ context.Context, ownerID string, page, pageSize int) ([]*metadata.FileRecord, int, error) {
	if page < 0 {
		page = 0
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	s.mu.RLock()
	var owned []*metadata.FileRecord
	for _, rec := range s.records {
		if rec.OwnerID != "" && rec.OwnerID == ownerID {
			owned = append(owned, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].AccessCode < owned[j].AccessCode
		}
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	total := len(owned)
	start := page * pageSize
	if start >= total {
		return []*metadata.FileRecord{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return owned[start:end], total, nil
}

// ListReclaimable returns all records matching the cleanup predicate.
func (s *Store) ListReclaimable(_ context.Context, now time.Time) ([]*metadata.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*metadata.FileRecord
	for _, rec := range s.records {
		if rec.Reclaimable(now) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
