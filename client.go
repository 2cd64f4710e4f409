package replicax

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errNotDrained = errors.New("backend returned before draining the payload")

// Client replicates bucket and object operations across every configured
// backend. It is safe for concurrent use.
type Client struct {
	cfg      *Config
	registry *Registry
	handles  []Handle
	policy   ReadPolicy

	logger *zap.Logger
	inst   *Instrumenter
	namer  BucketNamer
	clock  func() time.Time

	// mu guards closed and orders inflight.Add before Close waits
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewClient validates cfg, parses its regions and resolves them to backends
// through the supplied factories. A structurally invalid region fails here,
// before any factory is called.
func NewClient(ctx context.Context, cfg *Config, options ...Option) (*Client, error) {
	if cfg == nil {
		return nil, &ValidationError{Field: "config", Message: "configuration cannot be nil"}
	}
	cfg = cfg.Sanitize()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	regions, err := cfg.ParsedRegions()
	if err != nil {
		return nil, err
	}

	policy, err := ParseReadPolicy(cfg.ReadPolicy)
	if err != nil {
		return nil, err
	}

	opts := &Options{}
	for _, opt := range options {
		opt(opts)
	}
	opts.applyDefaults(cfg)

	registry, err := NewRegistry(ctx, regions, opts.factories, opts.logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		registry: registry,
		handles:  registry.Handles(),
		policy:   policy,
		logger:   opts.logger,
		inst:     opts.instrumenter,
		namer:    opts.namer,
		clock:    opts.clock,
	}

	c.logger.Info("Replication client created",
		zap.Int("backends", len(c.handles)),
		zap.Int("skipped", len(registry.Skipped())),
		zap.Int("write_quorum", cfg.WriteQuorum),
		zap.Int("read_quorum", cfg.ReadQuorum),
		zap.String("read_policy", policy.String()),
	)

	return c, nil
}

// Backends returns the resolved backends in configuration order
func (c *Client) Backends() []Handle {
	out := make([]Handle, len(c.handles))
	copy(out, c.handles)
	return out
}

// Skipped returns the configured regions that were excluded
func (c *Client) Skipped() []SkippedRegion {
	return c.registry.Skipped()
}

// Config returns the effective configuration
func (c *Client) Config() *Config {
	return c.cfg
}

// List yields the buckets of every backend, one backend after the other.
// A backend whose listing fails yields one *BackendError and the sequence
// continues with the next backend. Close waits for an iteration in
// progress to finish.
func (c *Client) List(ctx context.Context) iter.Seq2[BucketDescriptor, error] {
	return func(yield func(BucketDescriptor, error) bool) {
		done, err := c.track()
		if err != nil {
			yield(BucketDescriptor{}, err)
			return
		}
		defer done()

		for _, h := range c.handles {
			for desc, err := range h.Backend.List(ctx) {
				if err != nil {
					c.inst.RecordBackendResult("list", h.Region.Kind, err)
					if !yield(BucketDescriptor{Backend: h.Key()}, &BackendError{Op: "list", Backend: h.Key(), Err: err}) {
						return
					}
					break
				}
				desc.Backend = h.Key()
				if bucket, ok := c.namer.Strip(h.Region, desc.Name); ok {
					desc.Bucket = bucket
				}
				if !yield(desc, nil) {
					return
				}
			}
		}
	}
}

// Create creates the bucket on every backend and waits for all of them
func (c *Client) Create(ctx context.Context, bucket string) error {
	if err := ValidateBucketName(bucket); err != nil {
		return err
	}
	return c.inst.TraceOperation(ctx, "create", bucketAttrs(bucket), func(ctx context.Context) error {
		return c.runAll(ctx, "create", bucket, func(ctx context.Context, h Handle) error {
			created, err := h.Backend.Create(ctx, c.namer.Qualify(h.Region, bucket))
			if err == nil {
				c.logger.Debug("Bucket ready",
					zap.String("backend", h.Key().String()),
					zap.String("bucket", bucket),
					zap.Bool("created", created),
				)
			}
			return err
		})
	})
}

// Delete removes the bucket and its contents from every backend
func (c *Client) Delete(ctx context.Context, bucket string) error {
	if err := ValidateBucketName(bucket); err != nil {
		return err
	}
	return c.inst.TraceOperation(ctx, "delete", bucketAttrs(bucket), func(ctx context.Context) error {
		return c.runAll(ctx, "delete", bucket, func(ctx context.Context, h Handle) error {
			return h.Backend.Delete(ctx, c.namer.Qualify(h.Region, bucket))
		})
	})
}

// DeleteAll deletes every bucket every backend lists
func (c *Client) DeleteAll(ctx context.Context) error {
	return c.inst.TraceOperation(ctx, "delete_all", nil, func(ctx context.Context) error {
		return c.runAll(ctx, "delete_all", "", func(ctx context.Context, h Handle) error {
			return h.Backend.DeleteAll(ctx)
		})
	})
}

// runAll runs fn on every backend concurrently and joins all of them.
// Failures are collected per backend; none short-circuits the others.
func (c *Client) runAll(ctx context.Context, op, bucket string, fn func(ctx context.Context, h Handle) error) error {
	done, err := c.track()
	if err != nil {
		return err
	}
	defer done()

	failures := make([]*BackendError, len(c.handles))

	var g errgroup.Group
	for i, h := range c.handles {
		g.Go(func() error {
			err := fn(ctx, h)
			c.inst.RecordBackendResult(op, h.Region.Kind, err)
			if err != nil {
				failures[i] = &BackendError{Op: op, Backend: h.Key(), Bucket: bucket, Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()

	var failed []*BackendError
	for _, f := range failures {
		if f != nil {
			failed = append(failed, f)
			c.logger.Warn("Backend operation failed",
				zap.String("operation", op),
				zap.String("backend", f.Backend.String()),
				zap.String("bucket", bucket),
				zap.Error(f.Err),
			)
		}
	}
	if len(failed) > 0 {
		return &FanoutError{Op: op, Total: len(c.handles), Failures: failed}
	}
	return nil
}

// Upload writes payload to bucket/key on every backend and returns it once
// the write quorum has drained it. Backends still running at that point
// continue in the background; their results are logged and discarded.
// A backend counts as soon as it drained the payload, so an error it
// reports afterwards (a failed commit) is logged but not returned.
func (c *Client) Upload(ctx context.Context, bucket, key string, payload []byte, opts ...OpOption) ([]byte, error) {
	if err := ValidateBucketName(bucket); err != nil {
		return nil, err
	}
	if err := ValidateObjectKey(key); err != nil {
		return nil, err
	}

	o := c.opOptions(opts)
	k, err := ResolveQuorum(firstNonZero(o.quorum, c.cfg.WriteQuorum), len(c.handles))
	if err != nil {
		return nil, err
	}

	opID := uuid.NewString()
	attrs := append(objectAttrs(bucket, key), attribute.String("replicax.operation_id", opID), attribute.Int("replicax.quorum", k))
	start := c.clock()

	err = c.inst.TraceOperation(ctx, "upload", attrs, func(ctx context.Context) error {
		gate, err := NewWriteGate(payload, k, len(c.handles), c.gateConfig("upload", opID, o))
		if err != nil {
			return err
		}

		cancel, err := c.launch(ctx, func(ctx context.Context, h Handle) {
			cursor := gate.Cursor(h.Key())
			err := h.Backend.Upload(ctx, c.namer.Qualify(h.Region, bucket), key, cursor)
			if err == nil && !cursor.Drained() {
				err = errNotDrained
			}
			c.inst.RecordBackendResult("upload", h.Region.Kind, err)
			if err != nil {
				gate.Fail(h.Key(), err)
			}
		}, gate.settle)
		if err != nil {
			return err
		}

		if err := gate.Wait(ctx); err != nil {
			cancel()
			return err
		}
		c.released("upload", opID, gate.Completed(), start, o)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.inst.RecordOperationSize("upload", len(payload))
	return payload, nil
}

// Download reads bucket/key from the backends and returns the payload
// chosen by the read policy once enough backends finished.
func (c *Client) Download(ctx context.Context, bucket, key string, opts ...OpOption) ([]byte, error) {
	if err := ValidateBucketName(bucket); err != nil {
		return nil, err
	}
	if err := ValidateObjectKey(key); err != nil {
		return nil, err
	}

	o := c.opOptions(opts)
	policy := c.policy
	if o.policy != nil {
		policy = *o.policy
	}

	n := len(c.handles)
	k := n
	if policy == PolicyFirstK {
		var err error
		if k, err = ResolveQuorum(firstNonZero(o.quorum, c.cfg.ReadQuorum), n); err != nil {
			return nil, err
		}
	} else if n == 0 {
		return nil, fmt.Errorf("%w: no backends available", ErrQuorumUnreachable)
	}

	opID := uuid.NewString()
	attrs := append(objectAttrs(bucket, key),
		attribute.String("replicax.operation_id", opID),
		attribute.Int("replicax.quorum", k),
		attribute.String("replicax.policy", policy.String()),
	)
	start := c.clock()

	var data []byte
	err := c.inst.TraceOperation(ctx, "download", attrs, func(ctx context.Context) error {
		gate, err := NewReadGate(policy, k, n, c.gateConfig("download", opID, o))
		if err != nil {
			return err
		}

		cancel, err := c.launch(ctx, func(ctx context.Context, h Handle) {
			err := h.Backend.Download(ctx, c.namer.Qualify(h.Region, bucket), key, gate.Sink(h.Key()))
			c.inst.RecordBackendResult("download", h.Region.Kind, err)
			if err != nil {
				gate.Fail(h.Key(), err)
				return
			}
			gate.Complete(h.Key())
		}, gate.settle)
		if err != nil {
			return err
		}

		data, err = gate.Wait(ctx)
		if err != nil {
			var qerr *QuorumError
			if errors.As(err, &qerr) {
				cancel()
			}
			return err
		}
		c.released("download", opID, gate.Completed(), start, o)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.inst.RecordOperationSize("download", len(data))
	return data, nil
}

// launch starts one task per backend on a context detached from the
// caller's cancellation and returns without waiting. settle runs once
// every task has returned. The returned cancel stops the tasks early.
// It fails with ErrClosed once Close has started.
func (c *Client) launch(ctx context.Context, task func(ctx context.Context, h Handle), settle func()) (context.CancelFunc, error) {
	done, err := c.track()
	if err != nil {
		return nil, err
	}

	base := context.WithoutCancel(ctx)
	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if c.cfg.StragglerTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(base, c.cfg.StragglerTimeout)
	} else {
		taskCtx, cancel = context.WithCancel(base)
	}

	var g errgroup.Group
	for _, h := range c.handles {
		g.Go(func() error {
			task(taskCtx, h)
			return nil
		})
	}

	go func() {
		defer done()
		_ = g.Wait()
		settle()
		cancel()
	}()

	return cancel, nil
}

// track registers work that uses the backends. The returned func marks it
// finished. It fails with ErrClosed once Close has started.
func (c *Client) track() (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.inflight.Add(1)
	return c.inflight.Done, nil
}

func (c *Client) gateConfig(op, opID string, o *opOptions) GateConfig {
	timeout := c.cfg.QuorumTimeout
	if o.timeout > 0 {
		timeout = o.timeout
	}
	return GateConfig{
		Operation:   op,
		OperationID: opID,
		Timeout:     timeout,
		Logger:      c.logger,
		OnStraggler: func(BackendKey) { c.inst.RecordStraggler(op) },
	}
}

func (c *Client) released(op, opID string, completed int, start time.Time, o *opOptions) {
	c.logger.Debug("Quorum reached",
		zap.String("operation", op),
		zap.String("operation_id", opID),
		zap.Int("completed", completed),
		zap.Duration("elapsed", c.clock().Sub(start)),
	)
	c.inst.RecordQuorum(op, completed)
	if o.onRelease != nil {
		o.onRelease(completed)
	}
}

func (c *Client) opOptions(opts []OpOption) *opOptions {
	o := &opOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Close rejects new operations with ErrClosed, waits for running ones and
// their background backend tasks, then releases backend resources. Calls
// after the first return nil.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.inflight.Wait()
	return c.registry.Close()
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func bucketAttrs(bucket string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("replicax.bucket", bucket)}
}

func objectAttrs(bucket, key string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("replicax.bucket", bucket),
		attribute.String("replicax.key", key),
	}
}
