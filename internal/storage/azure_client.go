package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// azblobClient implements AzureBlobAPI on the Azure SDK, addressing each
// blob through its container client.
type azblobClient struct {
	svc *azblob.Client
}

func newAzblobClient(accountURL, connectionString string, useManagedIdentity bool) (*azblobClient, error) {
	if connectionString != "" {
		svc, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("azure connection string: %w", err)
		}
		return &azblobClient{svc: svc}, nil
	}
	if accountURL == "" {
		return nil, fmt.Errorf("azure account URL is required without a connection string")
	}

	cred, err := azureCredential(useManagedIdentity)
	if err != nil {
		return nil, err
	}
	svc, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure client for %s: %w", accountURL, err)
	}
	return &azblobClient{svc: svc}, nil
}

// azureCredential picks the managed identity of the host, or the default
// chain (environment, workload identity, CLI) otherwise.
func azureCredential(useManagedIdentity bool) (azcore.TokenCredential, error) {
	if useManagedIdentity {
		cred, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("azure managed identity: %w", err)
		}
		return cred, nil
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure default credential: %w", err)
	}
	return cred, nil
}

func (c *azblobClient) container(name string) *container.Client {
	return c.svc.ServiceClient().NewContainerClient(name)
}

func (c *azblobClient) blob(containerName, blobName string) *blob.Client {
	return c.container(containerName).NewBlobClient(blobName)
}

func (c *azblobClient) UploadBlob(ctx context.Context, containerName, blobName string, data []byte, contentType string) error {
	bb := c.container(containerName).NewBlockBlobClient(blobName)
	_, err := bb.UploadBuffer(ctx, data, &blockblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType:  to.Ptr(contentType),
			BlobCacheControl: to.Ptr("public, max-age=31536000"),
		},
	})
	return err
}

func (c *azblobClient) DownloadBlob(ctx context.Context, containerName, blobName string) ([]byte, error) {
	resp, err := c.blob(containerName, blobName).DownloadStream(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *azblobClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := c.blob(containerName, blobName).Delete(ctx, nil)
	return err
}

func (c *azblobClient) BlobExists(ctx context.Context, containerName, blobName string) (bool, error) {
	if _, err := c.blob(containerName, blobName).GetProperties(ctx, nil); err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *azblobClient) ListBlobs(ctx context.Context, containerName, prefix string) ([]string, error) {
	pager := c.container(containerName).NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: to.Ptr(prefix),
	})
	var names []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

var _ AzureBlobAPI = (*azblobClient)(nil)
