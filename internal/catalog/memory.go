package catalog

import (
	"context"
	"sort"
	"sync"
)

type recordKey struct {
	bucket, objectPath, size string
}

// MemoryStore is an in-process catalog, lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]Record)}
}

func (s *MemoryStore) Close() error { return nil }
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey{rec.Bucket, rec.ObjectPath, rec.Size}] = *rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, objectPath, size string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey{bucket, objectPath, size}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) ListForObject(ctx context.Context, bucket, objectPath string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for k, rec := range s.records {
		if k.bucket == bucket && k.objectPath == objectPath {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, bucket string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for k, rec := range s.records {
		if bucket == "" || k.bucket == bucket {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, bucket, objectPath, size string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordKey{bucket, objectPath, size})
	return nil
}

// sortRecords orders by bucket, object path, then size.
func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Bucket != b.Bucket {
			return a.Bucket < b.Bucket
		}
		if a.ObjectPath != b.ObjectPath {
			return a.ObjectPath < b.ObjectPath
		}
		return a.Size < b.Size
	})
}

var _ Store = (*MemoryStore)(nil)
