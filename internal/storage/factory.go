package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pixcache/pixcache/internal/config"
)

// New builds the Backend selected by cfg.Backend. Backends holding an open
// database also implement io.Closer.
func New(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case "memory":
		slog.Info("Storage backend initialized", "backend", "memory")
		return NewMemoryBackend(), nil

	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating storage database directory: %w", err)
		}
		b, err := NewSQLiteBackend(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing SQLite storage: %w", err)
		}
		slog.Info("Storage backend initialized", "backend", "sqlite", "path", cfg.SQLite.Path)
		return b, nil

	case "aws":
		return NewS3Backend(ctx, S3Options{
			Bucket:          cfg.AWS.Bucket,
			Region:          cfg.AWS.Region,
			Prefix:          cfg.AWS.Prefix,
			Endpoint:        cfg.AWS.Endpoint,
			UsePathStyle:    cfg.AWS.UsePathStyle,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
		})

	case "gcp":
		return NewGCSBackend(ctx, cfg.GCP.Bucket, cfg.GCP.Project, cfg.GCP.Prefix)

	case "azure":
		accountURL := cfg.Azure.AccountURL
		if accountURL == "" && cfg.Azure.ConnectionString == "" {
			if cfg.Azure.Account == "" {
				return nil, fmt.Errorf("storage.azure.account or storage.azure.account_url is required when backend is 'azure'")
			}
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Azure.Account)
		}
		return NewAzureBackend(ctx, AzureOptions{
			Container:          cfg.Azure.Container,
			AccountURL:         accountURL,
			Prefix:             cfg.Azure.Prefix,
			ConnectionString:   cfg.Azure.ConnectionString,
			UseManagedIdentity: cfg.Azure.UseManagedIdentity,
		})

	case "local", "":
		root := cfg.Local.RootDir
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage root directory: %w", err)
		}
		b, err := NewLocalBackend(root)
		if err != nil {
			return nil, fmt.Errorf("initializing local storage: %w", err)
		}
		// Every startup is recovery: drop temp files of interrupted writes.
		if err := b.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		slog.Info("Storage backend initialized", "backend", "local", "root", root)
		return b, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
