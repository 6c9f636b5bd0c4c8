// Package cache holds the ephemeral derivative store: a fast, size-limited,
// TTL-bounded key-value cache in front of durable preview storage.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pixcache/pixcache/internal/config"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is an ephemeral byte store keyed by string. Implementations must be
// safe for concurrent use.
type Store interface {
	// Has reports whether key holds an unexpired entry.
	Has(ctx context.Context, key string) (bool, error)
	// Get returns the bytes stored at key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores data at key for ttl. A ttl <= 0 means no expiry.
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	// Close releases connections.
	Close() error
}

// NoopStore never stores anything. Every Get is a miss.
type NoopStore struct{}

func (NoopStore) Has(context.Context, string) (bool, error) { return false, nil }
func (NoopStore) Get(context.Context, string) ([]byte, error) { return nil, ErrMiss }
func (NoopStore) Put(context.Context, string, []byte, time.Duration) error { return nil }
func (NoopStore) Delete(context.Context, string) error { return nil }
func (NoopStore) Ping(context.Context) error { return nil }
func (NoopStore) Close() error { return nil }

// New builds the Store selected by cfg.Backend.
func New(ctx context.Context, cfg config.CacheConfig) (Store, error) {
	switch cfg.Backend {
	case "redis":
		s, err := NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		slog.Info("Redis cache initialized", "addr", s.Addr())
		return s, nil
	case "memory", "":
		s, err := NewMemoryStore(cfg.MaxEntries)
		if err != nil {
			return nil, err
		}
		slog.Info("Memory cache initialized", "max_entries", cfg.MaxEntries)
		return s, nil
	case "none":
		return NoopStore{}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

var _ Store = NoopStore{}
