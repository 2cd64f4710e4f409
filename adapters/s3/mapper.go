package s3

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/gostratum/replicax"
)

// Error is an S3 failure classified against the replicax sentinels.
// errors.Is matches both the sentinel and the original SDK error chain.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Kind   error // replicax sentinel, nil when unclassified
	Err    error
}

func (e *Error) Error() string {
	target := e.Bucket
	if e.Key != "" {
		target += "/" + e.Key
	}
	return fmt.Sprintf("s3 %s %s: %v", e.Op, target, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Kind, e.Err}
}

// codeKinds maps S3 API error codes to replicax sentinels
var codeKinds = map[string]error{
	"NoSuchBucket":            replicax.ErrNotFound,
	"NoSuchKey":               replicax.ErrNotFound,
	"NotFound":                replicax.ErrNotFound,
	"BucketAlreadyExists":     replicax.ErrConflict,
	"BucketAlreadyOwnedByYou": replicax.ErrConflict,
	"BucketNotEmpty":          replicax.ErrConflict,
	"InvalidObjectState":      replicax.ErrConflict,
	"InvalidBucketName":       replicax.ErrInvalidConfig,
	"AccessDenied":            replicax.ErrInvalidConfig,
	"InvalidAccessKeyId":      replicax.ErrInvalidConfig,
	"SignatureDoesNotMatch":   replicax.ErrInvalidConfig,
}

// MapS3Error classifies an SDK error. Context errors are returned unchanged.
func MapS3Error(err error, op, bucket, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return &Error{Op: op, Bucket: bucket, Key: key, Kind: classify(err), Err: err}
}

func classify(err error) error {
	// Typed errors first; some operations (HeadBucket, HeadObject) only
	// surface *types.NotFound.
	var (
		noSuchBucket *types.NoSuchBucket
		noSuchKey    *types.NoSuchKey
		notFound     *types.NotFound
		exists       *types.BucketAlreadyExists
		owned        *types.BucketAlreadyOwnedByYou
	)
	switch {
	case errors.As(err, &noSuchBucket), errors.As(err, &noSuchKey), errors.As(err, &notFound):
		return replicax.ErrNotFound
	case errors.As(err, &exists), errors.As(err, &owned):
		return replicax.ErrConflict
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if kind, ok := codeKinds[apiErr.ErrorCode()]; ok {
			return kind
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return replicax.ErrNotFound
		case http.StatusConflict:
			return replicax.ErrConflict
		case http.StatusForbidden:
			return replicax.ErrInvalidConfig
		}
	}

	return nil
}

// isAlreadyOwned reports the create error S3 returns for a bucket the
// caller already owns
func isAlreadyOwned(err error) bool {
	var owned *types.BucketAlreadyOwnedByYou
	if errors.As(err, &owned) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "BucketAlreadyOwnedByYou"
}
