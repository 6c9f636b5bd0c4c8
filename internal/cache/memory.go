package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is an in-process LRU with per-entry expiry. Expired entries
// are dropped lazily on Get.
type MemoryStore struct {
	entries *lru.Cache[string, memoryEntry]
	now     func() time.Time
}

// NewMemoryStore returns a store holding at most maxEntries items.
func NewMemoryStore(maxEntries int) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	entries, err := lru.New[string, memoryEntry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("creating LRU cache: %w", err)
	}
	return &MemoryStore{entries: entries, now: time.Now}, nil
}

// Has reports whether key holds an unexpired entry without touching its
// recency.
func (s *MemoryStore) Has(ctx context.Context, key string) (bool, error) {
	e, ok := s.entries.Peek(key)
	if !ok {
		return false, nil
	}
	return e.expiresAt.IsZero() || s.now().Before(e.expiresAt), nil
}

// Get returns the entry for key, or ErrMiss when it is absent or expired.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	e, ok := s.entries.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		s.entries.Remove(key)
		return nil, ErrMiss
	}
	return e.data, nil
}

// Put stores data under key. A non-positive ttl never expires; the entry
// may still be evicted when the store is full.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	e := memoryEntry{data: data}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries.Add(key, e)
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.entries.Remove(key)
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close drops every entry.
func (s *MemoryStore) Close() error {
	s.entries.Purge()
	return nil
}

// Len returns the number of entries, including expired ones not yet evicted.
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}

var _ Store = (*MemoryStore)(nil)
