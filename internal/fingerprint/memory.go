package fingerprint

import (
	"context"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore keeps the most recent fingerprints in two LRU indexes, one by
// full hash and one by partial hash plus size.
type MemoryStore struct {
	mu        sync.Mutex
	byFull    *lru.Cache[string, FileFingerprint]
	byPartial *lru.Cache[string, FileFingerprint]
}

// NewMemoryStore creates a store holding up to capacity fingerprints.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 10000
	}
	byFull, _ := lru.New[string, FileFingerprint](capacity)
	byPartial, _ := lru.New[string, FileFingerprint](capacity)
	return &MemoryStore{byFull: byFull, byPartial: byPartial}
}

func partialKey(partial string, size int64) string {
	return partial + ":" + strconv.FormatInt(size, 10)
}

// Find implements Store.
func (s *MemoryStore) Find(_ context.Context, fullHash, partialHash string, size int64) (FileFingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fullHash != "" {
		if fp, ok := s.byFull.Get(fullHash); ok {
			return fp, nil
		}
	}
	if fp, ok := s.byPartial.Get(partialKey(partialHash, size)); ok {
		return fp, nil
	}
	return FileFingerprint{}, ErrNotFound
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, fp FileFingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fp.FullHash != "" {
		s.byFull.Add(fp.FullHash, fp)
	}
	s.byPartial.Add(partialKey(fp.PartialHash, fp.SizeBytes), fp)
	return nil
}

// Len returns the number of fingerprints indexed by partial hash.
func (s *MemoryStore) Len() int {
	return s.byPartial.Len()
}
