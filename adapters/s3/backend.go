package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/gostratum/replicax"
)

// deleteBatchSize is the DeleteObjects limit per request
const deleteBatchSize = 1000

// defaultRegion is the only region whose CreateBucket must omit a location constraint
const defaultRegion = "us-east-1"

// Backend implements replicax.Backend on one S3 region
type Backend struct {
	client    *s3.Client
	region    replicax.Region
	logger    *zap.Logger
	multipart multipartConfig
}

var _ replicax.Backend = (*Backend)(nil)

// BackendOption customizes a Backend
type BackendOption func(*Backend)

// WithMultipart makes uploads of at least threshold bytes use multipart
// upload with parts of partSize, concurrency parts at a time. A
// non-positive threshold disables multipart upload.
func WithMultipart(threshold, partSize int64, concurrency int) BackendOption {
	return func(b *Backend) {
		b.multipart = multipartConfig{
			threshold:   threshold,
			partSize:    max(partSize, replicax.MinPartSize),
			concurrency: max(concurrency, 1),
		}
	}
}

// NewBackend wraps a regional S3 client
func NewBackend(client *s3.Client, region replicax.Region, logger *zap.Logger, opts ...BackendOption) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := replicax.DefaultConfig().S3
	b := &Backend{
		client: client,
		region: region,
		logger: logger.With(zap.String("backend", region.Key().String())),
	}
	WithMultipart(defaults.MultipartThreshold, defaults.PartSize, defaults.PartConcurrency)(b)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// List yields the buckets located in the backend's region, page by page
func (b *Backend) List(ctx context.Context) iter.Seq2[replicax.BucketDescriptor, error] {
	return func(yield func(replicax.BucketDescriptor, error) bool) {
		var token *string
		for {
			out, err := b.client.ListBuckets(ctx, &s3.ListBucketsInput{
				BucketRegion:      aws.String(b.region.ID),
				ContinuationToken: token,
			})
			if err != nil {
				yield(replicax.BucketDescriptor{}, MapS3Error(err, "list", "", ""))
				return
			}

			for _, bucket := range out.Buckets {
				desc := replicax.BucketDescriptor{Name: aws.ToString(bucket.Name)}
				if bucket.CreationDate != nil {
					desc.CreatedAt = *bucket.CreationDate
				}
				if !yield(desc, nil) {
					return
				}
			}

			if aws.ToString(out.ContinuationToken) == "" {
				return
			}
			token = out.ContinuationToken
		}
	}
}

// Create makes the bucket in the backend's region. A bucket the caller
// already owns is reported as (false, nil).
func (b *Backend) Create(ctx context.Context, bucket string) (bool, error) {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		b.logger.Debug("Bucket already exists", zap.String("bucket", bucket))
		return false, nil
	}
	if mapped := MapS3Error(err, "create", bucket, ""); !errors.Is(mapped, replicax.ErrNotFound) {
		return false, mapped
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if b.region.ID != defaultRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.region.ID),
		}
	}

	if _, err := b.client.CreateBucket(ctx, input); err != nil {
		if isAlreadyOwned(err) {
			return false, nil
		}
		return false, MapS3Error(err, "create", bucket, "")
	}

	b.logger.Info("Bucket created", zap.String("bucket", bucket))
	return true, nil
}

// Delete empties the bucket in DeleteObjects batches and then removes it
func (b *Backend) Delete(ctx context.Context, bucket string) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	})

	batch := make([]types.ObjectIdentifier, 0, deleteBatchSize)
	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return MapS3Error(err, "delete", bucket, "")
		}
		for _, obj := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == deleteBatchSize {
				if err := b.deleteBatch(ctx, bucket, batch); err != nil {
					return err
				}
				deleted += len(batch)
				batch = batch[:0]
			}
		}
	}
	if len(batch) > 0 {
		if err := b.deleteBatch(ctx, bucket, batch); err != nil {
			return err
		}
		deleted += len(batch)
	}

	if _, err := b.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return MapS3Error(err, "delete", bucket, "")
	}

	b.logger.Info("Bucket deleted", zap.String("bucket", bucket), zap.Int("objects", deleted))
	return nil
}

func (b *Backend) deleteBatch(ctx context.Context, bucket string, objects []types.ObjectIdentifier) error {
	out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return MapS3Error(err, "delete", bucket, "")
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return &Error{
			Op:     "delete",
			Bucket: bucket,
			Key:    aws.ToString(first.Key),
			Kind:   codeKinds[aws.ToString(first.Code)],
			Err:    fmt.Errorf("%d objects not deleted: %s", len(out.Errors), aws.ToString(first.Message)),
		}
	}
	return nil
}

// DeleteAll deletes every bucket List yields
func (b *Backend) DeleteAll(ctx context.Context) error {
	return replicax.DeleteListed(ctx, b.List(ctx), b.Delete)
}

// Upload drains r and stores it as bucket/key. The SDK signs the payload,
// so the body is buffered before the request is sent.
func (b *Backend) Upload(ctx context.Context, bucket, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if b.multipart.threshold > 0 && int64(len(data)) >= b.multipart.threshold {
		return b.multipartUpload(ctx, bucket, key, data)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return MapS3Error(err, "upload", bucket, key)
	}
	return nil
}

// Download streams bucket/key into w
func (b *Backend) Download(ctx context.Context, bucket, key string, w io.Writer) error {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return MapS3Error(err, "download", bucket, key)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return MapS3Error(err, "download", bucket, key)
	}
	return nil
}
