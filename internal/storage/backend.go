// Package storage defines the object store contract used for originals and
// durable previews, with local, in-memory, SQLite, S3, GCS and Azure Blob
// implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is wrapped by every backend when an object does not exist.
// Callers test for it with errors.Is.
var ErrNotFound = errors.New("object not found")

// Backend reads and writes whole objects addressed by bucket and key.
// All methods must be safe for concurrent use.
type Backend interface {
	// GetObject returns the full contents of an object. A missing object
	// yields an error wrapping ErrNotFound.
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	// PutObject writes data as a single object, replacing any existing one.
	PutObject(ctx context.Context, bucket, key string, data []byte) error

	// ObjectExists reports whether an object exists.
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)

	// EnsureDirectory makes dir writable as a key prefix. Flat object stores
	// treat it as a no-op.
	EnsureDirectory(ctx context.Context, bucket, dir string) error

	// DeleteObject removes an object. Deleting a missing object is not an
	// error.
	DeleteObject(ctx context.Context, bucket, key string) error

	// ListObjects returns the keys in bucket beginning with prefix, sorted.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)

	// HealthCheck verifies the backend is operational.
	HealthCheck(ctx context.Context) error
}

func notFound(bucket, key string) error {
	return fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
}

// validKey rejects keys that could escape their bucket on path-based
// backends.
func validKey(bucket, key string) error {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || strings.HasPrefix(bucket, ".") {
		return fmt.Errorf("invalid bucket name %q", bucket)
	}
	if key == "" {
		return fmt.Errorf("empty object key")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return fmt.Errorf("invalid object key %q", key)
		}
	}
	return nil
}
