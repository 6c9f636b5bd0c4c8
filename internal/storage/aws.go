package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gabriel-vasile/mimetype"
)

// S3API is the subset of the S3 client used by S3Backend, so tests can
// substitute a mock.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
}

// S3Backend implements Backend on Amazon S3 or an S3-compatible server such
// as MinIO.
//
// Key mapping:
//
//	Bucket == "": {bucket} -> upstream bucket, {prefix}{key} -> upstream key
//	Bucket != "": all buckets share Bucket, {prefix}{bucket}/{key} -> upstream key
type S3Backend struct {
	// Bucket is the shared upstream bucket, or empty for direct mapping.
	Bucket string
	// Region is the AWS region.
	Region string
	// Prefix is prepended to every upstream key.
	Prefix string
	client S3API
}

// S3Options configures NewS3Backend.
type S3Options struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Backend builds an S3 client from the default credential chain, with
// optional static credentials, custom endpoint and path-style addressing.
func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	b := NewS3BackendWithClient(opts.Bucket, region, opts.Prefix, s3.NewFromConfig(cfg, s3Opts...))
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot reach S3 endpoint: %w", err)
	}

	slog.Info("S3 backend initialized", "bucket", opts.Bucket, "region", region, "endpoint", opts.Endpoint, "prefix", opts.Prefix)
	return b, nil
}

// NewS3BackendWithClient returns an S3Backend using client. Tests pass a
// mock here.
func NewS3BackendWithClient(bucket, region, prefix string, client S3API) *S3Backend {
	return &S3Backend{
		Bucket: bucket,
		Region: region,
		Prefix: prefix,
		client: client,
	}
}

// location maps a request bucket/key to the upstream bucket and key.
func (b *S3Backend) location(bucket, key string) (string, string) {
	if b.Bucket != "" {
		return b.Bucket, b.Prefix + bucket + "/" + key
	}
	return bucket, b.Prefix + key
}

// GetObject downloads an object.
func (b *S3Backend) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	ub, uk := b.location(bucket, key)
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ub),
		Key:    aws.String(uk),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, notFound(bucket, key)
		}
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}
	return data, nil
}

// PutObject uploads data with a sniffed content type.
func (b *S3Backend) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	ub, uk := b.location(bucket, key)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(ub),
		Key:           aws.String(uk),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(mimetype.Detect(data).String()),
	})
	if err != nil {
		return fmt.Errorf("uploading to S3: %w", err)
	}
	return nil
}

// ObjectExists issues a HEAD request.
func (b *S3Backend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	ub, uk := b.location(bucket, key)
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ub),
		Key:    aws.String(uk),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object existence in S3: %w", err)
	}
	return true, nil
}

// EnsureDirectory is a no-op; S3 keys are flat.
func (b *S3Backend) EnsureDirectory(ctx context.Context, bucket, dir string) error {
	return nil
}

// DeleteObject deletes an object. S3 deletes are idempotent.
func (b *S3Backend) DeleteObject(ctx context.Context, bucket, key string) error {
	ub, uk := b.location(bucket, key)
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(ub),
		Key:    aws.String(uk),
	})
	if err != nil && !isAWSNotFound(err) {
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	return nil
}

// ListObjects pages through ListObjectsV2 and strips the upstream prefix.
func (b *S3Backend) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	ub, up := b.location(bucket, prefix)
	strip := strings.TrimSuffix(up, prefix)

	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(ub),
		Prefix: aws.String(up),
	})
	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), strip))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// HealthCheck verifies the shared bucket, or the endpoint when buckets are
// mapped directly.
func (b *S3Backend) HealthCheck(ctx context.Context) error {
	if b.Bucket != "" {
		_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.Bucket)})
		return err
	}
	_, err := b.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	return err
}

// isAWSNotFound reports whether err is a 404, NoSuchKey or NoSuchBucket.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404", "NoSuchBucket":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}

var _ Backend = (*S3Backend)(nil)
