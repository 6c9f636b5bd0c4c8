package catalog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/pixcache/pixcache/internal/config"
)

// cosmosPartition is the partition key value shared by all preview items.
const cosmosPartition = "preview"

// CosmosStore keeps the catalog in an Azure Cosmos DB container partitioned
// on /type.
type CosmosStore struct {
	client    *azcosmos.ContainerClient
	database  string
	container string
}

type cosmosItem struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Bucket      string `json:"bucket"`
	ObjectPath  string `json:"object_path"`
	Size        string `json:"size"`
	PreviewPath string `json:"preview_path"`
	Bytes       int64  `json:"bytes"`
	ETag        string `json:"etag"`
	CreatedAt   string `json:"created_at"`
}

// cosmosID encodes the record key. Cosmos ids cannot contain "/", "\", "?" or "#".
func cosmosID(bucket, objectPath, size string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(bucket + "\x00" + objectPath + "\x00" + size))
}

func NewCosmosStore(ctx context.Context, cfg config.CosmosConfig) (*CosmosStore, error) {
	if cfg.Endpoint == "" || cfg.MasterKey == "" {
		return nil, fmt.Errorf("cosmos endpoint and master key are required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}
	containerClient, err := client.NewContainer(cfg.Database, cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	return &CosmosStore{
		client:    containerClient,
		database:  cfg.Database,
		container: cfg.Container,
	}, nil
}

func (s *CosmosStore) Ping(ctx context.Context) error {
	_, err := s.client.Read(ctx, nil)
	return err
}

func (s *CosmosStore) Close() error {
	return nil
}

func (s *CosmosStore) pk() azcosmos.PartitionKey {
	return azcosmos.NewPartitionKeyString(cosmosPartition)
}

func (s *CosmosStore) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(recordToCosmos(rec))
	if err != nil {
		return fmt.Errorf("marshaling preview record: %w", err)
	}
	if _, err := s.client.UpsertItem(ctx, s.pk(), data, nil); err != nil {
		return fmt.Errorf("recording preview: %w", err)
	}
	return nil
}

func (s *CosmosStore) Get(ctx context.Context, bucket, objectPath, size string) (*Record, error) {
	resp, err := s.client.ReadItem(ctx, s.pk(), cosmosID(bucket, objectPath, size), nil)
	if err != nil {
		if isCosmosNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting preview record: %w", err)
	}
	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, fmt.Errorf("decoding preview record: %w", err)
	}
	return cosmosToRecord(&item), nil
}

func (s *CosmosStore) ListForObject(ctx context.Context, bucket, objectPath string) ([]Record, error) {
	return s.query(ctx,
		"SELECT * FROM c WHERE c.bucket = @bucket AND c.object_path = @object_path",
		[]azcosmos.QueryParameter{
			{Name: "@bucket", Value: bucket},
			{Name: "@object_path", Value: objectPath},
		},
	)
}

func (s *CosmosStore) List(ctx context.Context, bucket string) ([]Record, error) {
	if bucket == "" {
		return s.query(ctx, "SELECT * FROM c", nil)
	}
	return s.query(ctx,
		"SELECT * FROM c WHERE c.bucket = @bucket",
		[]azcosmos.QueryParameter{{Name: "@bucket", Value: bucket}},
	)
}

func (s *CosmosStore) query(ctx context.Context, query string, params []azcosmos.QueryParameter) ([]Record, error) {
	pager := s.client.NewQueryItemsPager(query, s.pk(), &azcosmos.QueryOptions{
		QueryParameters: params,
	})
	var out []Record
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing preview records: %w", err)
		}
		for _, raw := range resp.Items {
			var item cosmosItem
			if err := json.Unmarshal(raw, &item); err != nil {
				continue
			}
			out = append(out, *cosmosToRecord(&item))
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *CosmosStore) Delete(ctx context.Context, bucket, objectPath, size string) error {
	_, err := s.client.DeleteItem(ctx, s.pk(), cosmosID(bucket, objectPath, size), nil)
	if err != nil && !isCosmosNotFound(err) {
		return fmt.Errorf("deleting preview record: %w", err)
	}
	return nil
}

func recordToCosmos(rec *Record) *cosmosItem {
	return &cosmosItem{
		ID:          cosmosID(rec.Bucket, rec.ObjectPath, rec.Size),
		Type:        cosmosPartition,
		Bucket:      rec.Bucket,
		ObjectPath:  rec.ObjectPath,
		Size:        rec.Size,
		PreviewPath: rec.PreviewPath,
		Bytes:       rec.Bytes,
		ETag:        rec.ETag,
		CreatedAt:   formatTime(rec.CreatedAt),
	}
}

func cosmosToRecord(item *cosmosItem) *Record {
	return &Record{
		Bucket:      item.Bucket,
		ObjectPath:  item.ObjectPath,
		Size:        item.Size,
		PreviewPath: item.PreviewPath,
		Bytes:       item.Bytes,
		ETag:        item.ETag,
		CreatedAt:   parseTime(item.CreatedAt),
	}
}

func isCosmosNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return true
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}

var _ Store = (*CosmosStore)(nil)
