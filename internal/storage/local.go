package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

// LocalBackend implements Backend on the local filesystem. Each bucket is a
// directory under RootDir and keys containing "/" become subdirectories.
type LocalBackend struct {
	// RootDir is the base directory holding one directory per bucket.
	RootDir string
}

// NewLocalBackend creates a LocalBackend rooted at rootDir, creating the root
// and its .tmp directory if needed.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes leftovers of interrupted writes. It runs at startup.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (b *LocalBackend) objectPath(bucket, key string) string {
	return filepath.Join(b.RootDir, bucket, filepath.FromSlash(key))
}

func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, ".tmp", "tmp-"+uuid.NewString())
}

// GetObject reads the object file.
func (b *LocalBackend) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := validKey(bucket, key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.objectPath(bucket, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(bucket, key)
		}
		// Reading a directory where a file was expected.
		if info, statErr := os.Stat(b.objectPath(bucket, key)); statErr == nil && info.IsDir() {
			return nil, notFound(bucket, key)
		}
		return nil, fmt.Errorf("reading object %q/%q: %w", bucket, key, err)
	}
	return data, nil
}

// PutObject writes data with the crash-safe pattern: write a temp file,
// fsync, then rename over the final path. Readers never observe a partial
// object.
func (b *LocalBackend) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if err := validKey(bucket, key); err != nil {
		return err
	}
	objPath := b.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return fmt.Errorf("creating parent directories for %q/%q: %w", bucket, key, err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing object data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return nil
}

// ObjectExists reports whether a regular file exists for the key.
func (b *LocalBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	if err := validKey(bucket, key); err != nil {
		return false, err
	}
	info, err := os.Stat(b.objectPath(bucket, key))
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking object existence %q/%q: %w", bucket, key, err)
}

// EnsureDirectory creates dir under the bucket.
func (b *LocalBackend) EnsureDirectory(ctx context.Context, bucket, dir string) error {
	if err := validKey(bucket, dir); err != nil {
		return err
	}
	if err := os.MkdirAll(b.objectPath(bucket, dir), 0o755); err != nil {
		return fmt.Errorf("creating directory %q/%q: %w", bucket, dir, err)
	}
	return nil
}

// DeleteObject removes the object file and any parent directories it leaves
// empty, stopping at the bucket root.
func (b *LocalBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := validKey(bucket, key); err != nil {
		return err
	}
	objPath := b.objectPath(bucket, key)
	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing object file %q/%q: %w", bucket, key, err)
	}

	bucketDir := filepath.Join(b.RootDir, bucket)
	dir := filepath.Dir(objPath)
	for dir != bucketDir && dir != b.RootDir {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// ListObjects walks the bucket directory and returns keys with prefix.
func (b *LocalBackend) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := validKey(bucket, "x"); err != nil {
		return nil, err
	}
	bucketDir := filepath.Join(b.RootDir, bucket)
	var keys []string
	err := filepath.WalkDir(bucketDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == bucketDir {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", bucket, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// HealthCheck verifies the root directory is accessible.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(b.RootDir)
	return err
}

var _ Backend = (*LocalBackend)(nil)
