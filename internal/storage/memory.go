package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend implements Backend with an in-process map. Contents are lost
// on restart; it serves tests and single-process demos.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte // key: "bucket/key"
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string][]byte)}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// GetObject returns a copy of the stored bytes.
func (b *MemoryBackend) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	b.mu.RLock()
	data, ok := b.objects[objectKey(bucket, key)]
	b.mu.RUnlock()
	if !ok {
		return nil, notFound(bucket, key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// PutObject stores a copy of data.
func (b *MemoryBackend) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if err := validKey(bucket, key); err != nil {
		return err
	}
	stored := make([]byte, len(data))
	copy(stored, data)

	b.mu.Lock()
	b.objects[objectKey(bucket, key)] = stored
	b.mu.Unlock()
	return nil
}

// ObjectExists reports whether the object is stored.
func (b *MemoryBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	b.mu.RLock()
	_, ok := b.objects[objectKey(bucket, key)]
	b.mu.RUnlock()
	return ok, nil
}

// EnsureDirectory is a no-op.
func (b *MemoryBackend) EnsureDirectory(ctx context.Context, bucket, dir string) error {
	return nil
}

// DeleteObject removes the object if present.
func (b *MemoryBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	b.mu.Lock()
	delete(b.objects, objectKey(bucket, key))
	b.mu.Unlock()
	return nil
}

// ListObjects returns sorted keys under prefix.
func (b *MemoryBackend) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	full := objectKey(bucket, prefix)
	b.mu.RLock()
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, full) {
			keys = append(keys, strings.TrimPrefix(k, bucket+"/"))
		}
	}
	b.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// HealthCheck always succeeds.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

// Len returns the number of stored objects.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

var _ Backend = (*MemoryBackend)(nil)
