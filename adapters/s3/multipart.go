package s3

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type multipartConfig struct {
	threshold   int64
	partSize    int64
	concurrency int
}

// multipartUpload stores data as bucket/key in partSize chunks uploaded in
// parallel. The upload is aborted when any part fails.
func (b *Backend) multipartUpload(ctx context.Context, bucket, key string, data []byte) (err error) {
	created, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return MapS3Error(err, "upload", bucket, key)
	}
	uploadID := aws.ToString(created.UploadId)

	logger := b.logger.With(
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.String("upload_id", uploadID),
	)
	logger.Debug("Starting multipart upload",
		zap.Int("size", len(data)),
		zap.Int64("part_size", b.multipart.partSize),
		zap.Int("concurrency", b.multipart.concurrency),
	)

	defer func() {
		if err == nil {
			return
		}
		// the caller's context may be the reason for the failure
		_, abortErr := b.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		if abortErr != nil {
			logger.Warn("Failed to abort multipart upload", zap.Error(abortErr))
		}
	}()

	parts, err := b.uploadParts(ctx, bucket, key, uploadID, data)
	if err != nil {
		return err
	}

	_, err = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return MapS3Error(err, "upload", bucket, key)
	}

	logger.Debug("Multipart upload completed", zap.Int("parts", len(parts)))
	return nil
}

func (b *Backend) uploadParts(ctx context.Context, bucket, key, uploadID string, data []byte) ([]types.CompletedPart, error) {
	chunks := splitParts(data, b.multipart.partSize)
	// indexed by part number so the list is ordered however parts finish
	parts := make([]types.CompletedPart, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.multipart.concurrency)
	for i, chunk := range chunks {
		partNumber := int32(i + 1)
		g.Go(func() error {
			out, err := b.client.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:        aws.String(bucket),
				Key:           aws.String(key),
				UploadId:      aws.String(uploadID),
				PartNumber:    aws.Int32(partNumber),
				Body:          bytes.NewReader(chunk),
				ContentLength: aws.Int64(int64(len(chunk))),
			})
			if err != nil {
				return fmt.Errorf("part %d: %w", partNumber, MapS3Error(err, "upload", bucket, key))
			}
			parts[i] = types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return parts, nil
}

// splitParts cuts data into size-byte chunks; only the last may be shorter
func splitParts(data []byte, size int64) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := min(int64(len(data)), size)
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
