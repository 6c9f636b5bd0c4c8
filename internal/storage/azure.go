package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/gabriel-vasile/mimetype"
)

// AzureBlobAPI is the subset of the Azure Blob client used by AzureBackend,
// so tests can substitute a mock.
type AzureBlobAPI interface {
	// UploadBlob writes data to a blob, overwriting any existing blob.
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte, contentType string) error
	// DownloadBlob returns a blob's contents.
	DownloadBlob(ctx context.Context, containerName, blobName string) ([]byte, error)
	// DeleteBlob deletes a blob.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// BlobExists reports whether a blob exists.
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
	// ListBlobs returns blob names with prefix.
	ListBlobs(ctx context.Context, containerName, prefix string) ([]string, error)
}

// AzureBackend implements Backend on Azure Blob Storage. An empty Container
// maps request buckets to containers directly; otherwise all buckets share
// Container under "{prefix}{bucket}/".
type AzureBackend struct {
	Container  string
	AccountURL string
	Prefix     string
	client     AzureBlobAPI
}

// AzureOptions configures NewAzureBackend.
type AzureOptions struct {
	Container          string
	AccountURL         string
	Prefix             string
	ConnectionString   string
	UseManagedIdentity bool
}

// NewAzureBackend creates an Azure Blob client. Credentials come from the
// connection string, managed identity, or DefaultAzureCredential, in that
// order of preference.
func NewAzureBackend(ctx context.Context, opts AzureOptions) (*AzureBackend, error) {
	client, err := newAzblobClient(opts.AccountURL, opts.ConnectionString, opts.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}
	b := NewAzureBackendWithClient(opts.Container, opts.AccountURL, opts.Prefix, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", opts.Container, err)
	}
	slog.Info("Azure backend initialized", "container", opts.Container, "account", opts.AccountURL, "prefix", opts.Prefix)
	return b, nil
}

// NewAzureBackendWithClient returns an AzureBackend using client.
func NewAzureBackendWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{
		Container:  container,
		AccountURL: accountURL,
		Prefix:     prefix,
		client:     client,
	}
}

func (b *AzureBackend) location(bucket, key string) (string, string) {
	if b.Container != "" {
		return b.Container, b.Prefix + bucket + "/" + key
	}
	return bucket, b.Prefix + key
}

// GetObject downloads a blob.
func (b *AzureBackend) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	c, name := b.location(bucket, key)
	data, err := b.client.DownloadBlob(ctx, c, name)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, notFound(bucket, key)
		}
		return nil, fmt.Errorf("downloading Azure blob: %w", err)
	}
	return data, nil
}

// PutObject uploads a blob with a sniffed content type.
func (b *AzureBackend) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	c, name := b.location(bucket, key)
	if err := b.client.UploadBlob(ctx, c, name, data, mimetype.Detect(data).String()); err != nil {
		return fmt.Errorf("uploading Azure blob: %w", err)
	}
	return nil
}

// ObjectExists reads blob properties.
func (b *AzureBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	c, name := b.location(bucket, key)
	ok, err := b.client.BlobExists(ctx, c, name)
	if err != nil {
		return false, fmt.Errorf("checking Azure blob existence: %w", err)
	}
	return ok, nil
}

// EnsureDirectory is a no-op; blob names are flat.
func (b *AzureBackend) EnsureDirectory(ctx context.Context, bucket, dir string) error {
	return nil
}

// DeleteObject deletes a blob, ignoring not-found.
func (b *AzureBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	c, name := b.location(bucket, key)
	if err := b.client.DeleteBlob(ctx, c, name); err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting Azure blob: %w", err)
	}
	return nil
}

// ListObjects lists blob names with prefix.
func (b *AzureBackend) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	c, up := b.location(bucket, prefix)
	strip := strings.TrimSuffix(up, prefix)

	names, err := b.client.ListBlobs(ctx, c, up)
	if err != nil {
		return nil, fmt.Errorf("listing Azure blobs: %w", err)
	}
	keys := make([]string, 0, len(names))
	for _, n := range names {
		keys = append(keys, strings.TrimPrefix(n, strip))
	}
	sort.Strings(keys)
	return keys, nil
}

// HealthCheck lists the shared container.
func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	if b.Container == "" {
		return nil
	}
	_, err := b.client.ListBlobs(ctx, b.Container, "\x00healthcheck\x00")
	return err
}

func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist")
}

var _ Backend = (*AzureBackend)(nil)
