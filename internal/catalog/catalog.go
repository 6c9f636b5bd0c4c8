// Package catalog records which durable previews exist, so they can be
// listed, exported and purged without walking storage. The catalog is
// advisory: the pipeline never consults it on the read path.
package catalog

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pixcache/pixcache/internal/config"
)

const timeFormat = "2006-01-02T15:04:05.000Z"

// Record describes one persisted preview.
type Record struct {
	Bucket      string    `json:"bucket"`
	ObjectPath  string    `json:"object_path"`
	Size        string    `json:"size"`
	PreviewPath string    `json:"preview_path"`
	Bytes       int64     `json:"bytes"`
	ETag        string    `json:"etag"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists preview records. Implementations must be safe for
// concurrent use.
type Store interface {
	io.Closer

	// Ping checks connectivity to the catalog.
	Ping(ctx context.Context) error

	// Put creates or replaces the record for (Bucket, ObjectPath, Size).
	Put(ctx context.Context, rec *Record) error

	// Get returns the record, or nil when none exists.
	Get(ctx context.Context, bucket, objectPath, size string) (*Record, error)

	// ListForObject returns every preview of one original, ordered by size.
	ListForObject(ctx context.Context, bucket, objectPath string) ([]Record, error)

	// List returns every record in bucket, or in all buckets when bucket is
	// empty, ordered by object path then size.
	List(ctx context.Context, bucket string) ([]Record, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, bucket, objectPath, size string) error
}

// NopStore discards every record.
type NopStore struct{}

func (NopStore) Close() error { return nil }
func (NopStore) Ping(ctx context.Context) error { return nil }
func (NopStore) Put(ctx context.Context, rec *Record) error {
	return nil
}
func (NopStore) Get(ctx context.Context, bucket, objectPath, size string) (*Record, error) {
	return nil, nil
}
func (NopStore) ListForObject(ctx context.Context, bucket, objectPath string) ([]Record, error) {
	return nil, nil
}
func (NopStore) List(ctx context.Context, bucket string) ([]Record, error) {
	return nil, nil
}
func (NopStore) Delete(ctx context.Context, bucket, objectPath, size string) error {
	return nil
}

// New builds the Store selected by cfg.Backend.
func New(ctx context.Context, cfg config.CatalogConfig) (Store, error) {
	switch cfg.Backend {
	case "none", "":
		return NopStore{}, nil
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path)
	case "dynamodb":
		return NewDynamoDBStore(ctx, cfg.DynamoDB)
	case "firestore":
		return NewFirestoreStore(ctx, cfg.Firestore)
	case "cosmos":
		return NewCosmosStore(ctx, cfg.Cosmos)
	default:
		return nil, fmt.Errorf("unknown catalog backend %q", cfg.Backend)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

var _ Store = NopStore{}
