package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/gabriel-vasile/mimetype"
	"google.golang.org/api/iterator"
)

// GCSAPI is the subset of the GCS client used by GCSBackend, so tests can
// substitute a mock.
type GCSAPI interface {
	// NewWriter returns a writer for the object with the given content type.
	NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser
	// NewReader returns a reader for the object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Delete deletes the object.
	Delete(ctx context.Context, bucket, object string) error
	// Exists reports whether the object exists.
	Exists(ctx context.Context, bucket, object string) (bool, error)
	// ListObjects lists object names with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// realGCSClient adapts *gcs.Client to GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Exists(ctx context.Context, bucket, object string) (bool, error) {
	_, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCSBackend implements Backend on Google Cloud Storage. Key mapping follows
// S3Backend: an empty Bucket maps request buckets directly.
type GCSBackend struct {
	Bucket  string
	Project string
	Prefix  string
	client  GCSAPI
}

// NewGCSBackend creates a GCS client with Application Default Credentials.
func NewGCSBackend(ctx context.Context, bucket, project, prefix string) (*GCSBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	b := NewGCSBackendWithClient(bucket, project, prefix, &realGCSClient{client: client})
	if bucket != "" {
		if err := b.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("cannot access GCS bucket %q: %w", bucket, err)
		}
	}
	slog.Info("GCS backend initialized", "bucket", bucket, "project", project, "prefix", prefix)
	return b, nil
}

// NewGCSBackendWithClient returns a GCSBackend using client.
func NewGCSBackendWithClient(bucket, project, prefix string, client GCSAPI) *GCSBackend {
	return &GCSBackend{
		Bucket:  bucket,
		Project: project,
		Prefix:  prefix,
		client:  client,
	}
}

func (b *GCSBackend) location(bucket, key string) (string, string) {
	if b.Bucket != "" {
		return b.Bucket, b.Prefix + bucket + "/" + key
	}
	return bucket, b.Prefix + key
}

// GetObject downloads an object.
func (b *GCSBackend) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	ub, uk := b.location(bucket, key)
	r, err := b.client.NewReader(ctx, ub, uk)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, notFound(bucket, key)
		}
		return nil, fmt.Errorf("opening GCS object: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading GCS object: %w", err)
	}
	return data, nil
}

// PutObject uploads data. The write is committed on Close.
func (b *GCSBackend) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	ub, uk := b.location(bucket, key)
	w := b.client.NewWriter(ctx, ub, uk, mimetype.Detect(data).String())
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return nil
}

// ObjectExists checks object attributes.
func (b *GCSBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	ub, uk := b.location(bucket, key)
	ok, err := b.client.Exists(ctx, ub, uk)
	if err != nil {
		return false, fmt.Errorf("checking object existence in GCS: %w", err)
	}
	return ok, nil
}

// EnsureDirectory is a no-op; GCS names are flat.
func (b *GCSBackend) EnsureDirectory(ctx context.Context, bucket, dir string) error {
	return nil
}

// DeleteObject deletes an object, ignoring not-found.
func (b *GCSBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	ub, uk := b.location(bucket, key)
	if err := b.client.Delete(ctx, ub, uk); err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting GCS object: %w", err)
	}
	return nil
}

// ListObjects lists keys with prefix.
func (b *GCSBackend) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	ub, up := b.location(bucket, prefix)
	strip := strings.TrimSuffix(up, prefix)

	names, err := b.client.ListObjects(ctx, ub, up)
	if err != nil {
		return nil, fmt.Errorf("listing GCS objects: %w", err)
	}
	keys := make([]string, 0, len(names))
	for _, n := range names {
		keys = append(keys, strings.TrimPrefix(n, strip))
	}
	sort.Strings(keys)
	return keys, nil
}

// HealthCheck lists a name that cannot exist in the shared bucket.
func (b *GCSBackend) HealthCheck(ctx context.Context) error {
	if b.Bucket == "" {
		return nil
	}
	_, err := b.client.ListObjects(ctx, b.Bucket, "\x00healthcheck\x00")
	return err
}

func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

var _ Backend = (*GCSBackend)(nil)
