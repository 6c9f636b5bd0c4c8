package catalog

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pixcache/pixcache/internal/config"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBStore.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBStore keeps the catalog in a single-table DynamoDB layout:
//
//	pk = OBJECT#{bucket}#{objectPath}
//	sk = PREVIEW#{size}
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
}

func NewDynamoDBStore(ctx context.Context, cfg config.DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return NewDynamoDBStoreWithClient(dynamodb.NewFromConfig(awsCfg), cfg.Table), nil
}

func NewDynamoDBStoreWithClient(client DynamoDBAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: table}
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

func (s *DynamoDBStore) Close() error {
	return nil
}

func pkObject(bucket, objectPath string) string {
	return "OBJECT#" + bucket + "#" + objectPath
}

func skPreview(size string) string {
	return "PREVIEW#" + size
}

func (s *DynamoDBStore) itemKey(bucket, objectPath, size string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pkObject(bucket, objectPath)},
		"sk": &types.AttributeValueMemberS{Value: skPreview(size)},
	}
}

func (s *DynamoDBStore) Put(ctx context.Context, rec *Record) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"pk":           &types.AttributeValueMemberS{Value: pkObject(rec.Bucket, rec.ObjectPath)},
			"sk":           &types.AttributeValueMemberS{Value: skPreview(rec.Size)},
			"type":         &types.AttributeValueMemberS{Value: "preview"},
			"bucket":       &types.AttributeValueMemberS{Value: rec.Bucket},
			"object_path":  &types.AttributeValueMemberS{Value: rec.ObjectPath},
			"size":         &types.AttributeValueMemberS{Value: rec.Size},
			"preview_path": &types.AttributeValueMemberS{Value: rec.PreviewPath},
			"bytes":        &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Bytes, 10)},
			"etag":         &types.AttributeValueMemberS{Value: rec.ETag},
			"created_at":   &types.AttributeValueMemberS{Value: formatTime(rec.CreatedAt)},
		},
	})
	if err != nil {
		return fmt.Errorf("recording preview: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) Get(ctx context.Context, bucket, objectPath, size string) (*Record, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.itemKey(bucket, objectPath, size),
	})
	if err != nil {
		return nil, fmt.Errorf("getting preview record: %w", err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return itemToRecord(resp.Item), nil
}

func (s *DynamoDBStore) ListForObject(ctx context.Context, bucket, objectPath string) ([]Record, error) {
	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pkObject(bucket, objectPath)},
			":sk": &types.AttributeValueMemberS{Value: "PREVIEW#"},
		},
	})
	var out []Record
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("querying preview records: %w", err)
		}
		for _, item := range page.Items {
			out = append(out, *itemToRecord(item))
		}
	}
	sortRecords(out)
	return out, nil
}

// List scans the table. It is meant for admin tooling, not request paths.
func (s *DynamoDBStore) List(ctx context.Context, bucket string) ([]Record, error) {
	input := &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("#t = :type"),
		ExpressionAttributeNames: map[string]string{
			"#t": "type",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":type": &types.AttributeValueMemberS{Value: "preview"},
		},
	}
	if bucket != "" {
		input.FilterExpression = aws.String("#t = :type AND #b = :bucket")
		input.ExpressionAttributeNames["#b"] = "bucket"
		input.ExpressionAttributeValues[":bucket"] = &types.AttributeValueMemberS{Value: bucket}
	}

	p := dynamodb.NewScanPaginator(s.client, input)
	var out []Record
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scanning preview records: %w", err)
		}
		for _, item := range page.Items {
			out = append(out, *itemToRecord(item))
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *DynamoDBStore) Delete(ctx context.Context, bucket, objectPath, size string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.itemKey(bucket, objectPath, size),
	})
	if err != nil {
		return fmt.Errorf("deleting preview record: %w", err)
	}
	return nil
}

func itemToRecord(item map[string]types.AttributeValue) *Record {
	rec := &Record{
		Bucket:      getS(item, "bucket"),
		ObjectPath:  getS(item, "object_path"),
		Size:        getS(item, "size"),
		PreviewPath: getS(item, "preview_path"),
		ETag:        getS(item, "etag"),
		CreatedAt:   parseTime(getS(item, "created_at")),
	}
	if v, ok := item["bytes"].(*types.AttributeValueMemberN); ok {
		rec.Bytes, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	return rec
}

func getS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

var _ Store = (*DynamoDBStore)(nil)
