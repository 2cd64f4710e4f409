package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/gostratum/replicax"
)

// Backend talks to one mounted backend of a remote node
type Backend struct {
	client *retryablehttp.Client
	base   string
	logger *zap.Logger
}

// NewBackend creates a client for the backend served at baseURL
// (scheme://host:port/<tag>). Transient failures are retried per cfg.
func NewBackend(baseURL string, cfg *replicax.RemoteConfig, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &replicax.DefaultConfig().Remote
	}
	logger = logger.With(zap.String("backend", baseURL))

	client := retryablehttp.NewClient()
	client.Logger = replicax.ZapLeveled(logger)
	client.RetryMax = cfg.MaxRetries
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.HTTPClient.Timeout = cfg.RequestTimeout
	// hand the final response back instead of a generic "giving up" error
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Backend{
		client: client,
		base:   strings.TrimSuffix(baseURL, "/"),
		logger: logger,
	}
}

// List implements replicax.Backend
func (b *Backend) List(ctx context.Context) iter.Seq2[replicax.BucketDescriptor, error] {
	return func(yield func(replicax.BucketDescriptor, error) bool) {
		var buckets []bucketJSON
		if _, err := b.do(ctx, http.MethodGet, b.bucketsURL(), nil, &buckets); err != nil {
			yield(replicax.BucketDescriptor{}, err)
			return
		}
		for _, bucket := range buckets {
			if !yield(replicax.BucketDescriptor{Name: bucket.Name, CreatedAt: bucket.CreatedAt}, nil) {
				return
			}
		}
	}
}

// Create implements replicax.Backend
func (b *Backend) Create(ctx context.Context, bucket string) (bool, error) {
	status, err := b.do(ctx, http.MethodPut, b.bucketURL(bucket), nil, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusCreated, nil
}

// Delete implements replicax.Backend
func (b *Backend) Delete(ctx context.Context, bucket string) error {
	_, err := b.do(ctx, http.MethodDelete, b.bucketURL(bucket), nil, nil)
	return err
}

// DeleteAll implements replicax.Backend
func (b *Backend) DeleteAll(ctx context.Context) error {
	_, err := b.do(ctx, http.MethodDelete, b.bucketsURL(), nil, nil)
	return err
}

// Upload implements replicax.Backend. The body is read fully before the
// first attempt so retries can replay it.
func (b *Backend) Upload(ctx context.Context, bucket, key string, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	_, err = b.do(ctx, http.MethodPut, b.objectURL(bucket, key), payload, nil)
	return err
}

// Download implements replicax.Backend
func (b *Backend) Download(ctx context.Context, bucket, key string, w io.Writer) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, b.objectURL(bucket, key), nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return b.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Close releases idle connections
func (b *Backend) Close() error {
	b.client.HTTPClient.CloseIdleConnections()
	return nil
}

// do sends one request with an optional body and decodes a JSON response
// into out when given. It returns the response status of a 2xx response.
func (b *Backend) do(ctx context.Context, method, target string, body []byte, out any) (int, error) {
	var raw any
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, raw)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, b.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, responseError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, target, err)
		}
	}
	return resp.StatusCode, nil
}

// transportError keeps context errors recognizable after the client wrapped them
func (b *Backend) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return errors.Join(ctxErr, err)
	}
	return err
}

func (b *Backend) bucketsURL() string {
	return b.base + "/buckets"
}

func (b *Backend) bucketURL(bucket string) string {
	return b.bucketsURL() + "/" + url.PathEscape(bucket)
}

func (b *Backend) objectURL(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return b.bucketURL(bucket) + "/objects/" + strings.Join(segments, "/")
}

// responseError maps an error response onto the replicax sentinels
func responseError(resp *http.Response) error {
	var body errorJSON
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(bytes.ToValidUTF8(data, nil)))
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusNotFound:
		sentinel = replicax.ErrNotFound
	case http.StatusConflict:
		sentinel = replicax.ErrConflict
	case http.StatusBadRequest:
		sentinel = replicax.ErrInvalidConfig
	default:
		sentinel = replicax.ErrBackendOperationFailed
	}

	if body.RequestID != "" {
		return fmt.Errorf("%w: %s (status %d, request %s)", sentinel, body.Error, resp.StatusCode, body.RequestID)
	}
	return fmt.Errorf("%w: %s (status %d)", sentinel, body.Error, resp.StatusCode)
}
