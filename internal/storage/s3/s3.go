// Package s3 provides an S3/MinIO-compatible blob storage backend.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/securedrop/securedrop/internal/logging"
	"github.com/securedrop/securedrop/internal/metrics"
	"github.com/securedrop/securedrop/internal/storage"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// Backend implements storage.Backend using S3/MinIO.
type Backend struct {
	client *awss3.Client
	bucket string
	prefix string
}

// blobPrefix keeps drop blobs apart from anything else in a shared bucket.
const blobPrefix = "blobs/"

// New creates an S3 backend and verifies the bucket.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.UsePathStyle = true
	})

	b := &Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: blobPrefix,
	}

	if err := b.Init(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Init ensures the bucket exists, creating it if possible.
func (b *Backend) Init(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		_, createErr := b.client.CreateBucket(ctx, &awss3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		if createErr != nil {
			metrics.RecordStorageOperation("create_bucket", time.Since(start), false)
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
		metrics.RecordStorageOperation("create_bucket", time.Since(start), true)
		logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	}
	return nil
}

// Store uploads data under a key derived from the access code plus a
// uniqueness component, and returns the key.
func (b *Backend) Store(ctx context.Context, data []byte, accessCode string) (string, error) {
	start := time.Now()

	if len(data) == 0 {
		return "", storage.ErrInvalidInput
	}
	if accessCode == "" || strings.Contains(accessCode, "..") ||
		strings.ContainsAny(accessCode, `/\`) {
		return "", fmt.Errorf("%w: bad access code %q", storage.ErrInvalidInput, accessCode)
	}

	key := fmt.Sprintf("%s%s_%d_%s", b.prefix, accessCode, time.Now().UnixNano(), uuid.NewString())

	_, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		metrics.RecordStorageOperation("store", time.Since(start), false)
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	metrics.RecordStorageOperation("store", time.Since(start), true)
	return key, nil
}

// Load reads a blob back by its key.
func (b *Backend) Load(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()

	result, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		metrics.RecordStorageOperation("load", time.Since(start), false)
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		metrics.RecordStorageOperation("load", time.Since(start), false)
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}

	metrics.RecordStorageOperation("load", time.Since(start), true)
	return data, nil
}

// Delete removes a blob. S3 deletes are inherently idempotent, so a
// HeadObject first determines whether anything was actually removed.
func (b *Backend) Delete(ctx context.Context, path string) (bool, error) {
	start := time.Now()

	_, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			metrics.RecordStorageOperation("delete", time.Since(start), true)
			return false, nil
		}
		metrics.RecordStorageOperation("delete", time.Since(start), false)
		return false, fmt.Errorf("head object %s: %w", path, err)
	}

	_, err = b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		metrics.RecordStorageOperation("delete", time.Since(start), false)
		return false, fmt.Errorf("delete object %s: %w", path, err)
	}

	metrics.RecordStorageOperation("delete", time.Since(start), true)
	return true, nil
}

// DeleteAll removes every blob under the backend's prefix.
func (b *Backend) DeleteAll(ctx context.Context) error {
	paginator := awss3.NewListObjectsV2Paginator(b.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if _, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    obj.Key,
			}); err != nil {
				return fmt.Errorf("delete object %s: %w", aws.ToString(obj.Key), err)
			}
		}
	}
	return b.Init(ctx)
}

// Type returns "s3".
func (b *Backend) Type() string { return "s3" }

// Close is a no-op; the S3 client holds no persistent connections.
func (b *Backend) Close() error { return nil }
