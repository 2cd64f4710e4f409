// Package fs implements replicax backends on a filesystem: a directory
// tree, a temporary directory removed on Close, or process memory.
//
// Buckets are top-level directories; object keys map to files below them,
// with "/" in a key creating subdirectories.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"iter"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/gostratum/replicax"
)

// Backend implements replicax.Backend on an afero filesystem rooted at "/"
type Backend struct {
	fs       afero.Fs
	name     string
	dirMode  os.FileMode
	fileMode os.FileMode
	cleanup  func() error
	logger   *zap.Logger
}

var _ replicax.Backend = (*Backend)(nil)

// Option customizes a Backend
type Option func(*Backend)

// WithModes sets the permissions of bucket directories and object files
func WithModes(dir, file os.FileMode) Option {
	return func(b *Backend) {
		b.dirMode = dir
		b.fileMode = file
	}
}

// WithLogger sets the zap logger
func WithLogger(logger *zap.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// WithCleanup registers a function Close runs after the backend is done
func WithCleanup(fn func() error) Option {
	return func(b *Backend) {
		b.cleanup = fn
	}
}

// NewBackend creates a backend over fsys. name identifies it in logs.
func NewBackend(fsys afero.Fs, name string, opts ...Option) *Backend {
	b := &Backend{
		fs:       fsys,
		name:     name,
		dirMode:  0o755,
		fileMode: 0o644,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("backend", name))
	return b
}

// NewDiskBackend creates a backend storing buckets below root, creating
// root when missing
func NewDiskBackend(root string, opts ...Option) (*Backend, error) {
	b := NewBackend(afero.NewBasePathFs(afero.NewOsFs(), root), "filesystem:"+root, opts...)
	if err := os.MkdirAll(root, b.dirMode); err != nil {
		return nil, fmt.Errorf("create root %s: %w", root, err)
	}
	return b, nil
}

// NewTempBackend creates a backend in a fresh temporary directory that
// Close removes
func NewTempBackend(pattern string, opts ...Option) (*Backend, error) {
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	opts = append(opts, WithCleanup(func() error { return os.RemoveAll(dir) }))
	return NewBackend(afero.NewBasePathFs(afero.NewOsFs(), dir), "filesystem:"+dir, opts...), nil
}

// NewMemoryBackend creates a backend that keeps everything in memory
func NewMemoryBackend(opts ...Option) *Backend {
	return NewBackend(afero.NewMemMapFs(), "filesystem:"+replicax.FilesystemMemory, opts...)
}

// List yields the bucket directories in name order
func (b *Backend) List(ctx context.Context) iter.Seq2[replicax.BucketDescriptor, error] {
	return func(yield func(replicax.BucketDescriptor, error) bool) {
		entries, err := afero.ReadDir(b.fs, "/")
		if err != nil {
			yield(replicax.BucketDescriptor{}, fmt.Errorf("list buckets: %w", err))
			return
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(replicax.BucketDescriptor{}, err)
				return
			}
			desc := replicax.BucketDescriptor{Name: entry.Name(), CreatedAt: entry.ModTime()}
			if !yield(desc, nil) {
				return
			}
		}
	}
}

// Create makes the bucket directory
func (b *Backend) Create(ctx context.Context, bucket string) (bool, error) {
	dir, err := bucketPath(bucket)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if err := b.fs.Mkdir(dir, b.dirMode); err != nil {
		if errors.Is(err, iofs.ErrExist) {
			if info, serr := b.fs.Stat(dir); serr == nil && info.IsDir() {
				return false, nil
			}
			return false, fmt.Errorf("bucket %q: %w", bucket, replicax.ErrConflict)
		}
		return false, fmt.Errorf("create bucket %q: %w", bucket, err)
	}

	b.logger.Debug("Bucket created", zap.String("bucket", bucket))
	return true, nil
}

// Delete removes the bucket directory and everything in it
func (b *Backend) Delete(ctx context.Context, bucket string) error {
	dir, err := bucketPath(bucket)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.requireBucket(bucket, dir); err != nil {
		return err
	}
	if err := b.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete bucket %q: %w", bucket, err)
	}

	b.logger.Debug("Bucket deleted", zap.String("bucket", bucket))
	return nil
}

// DeleteAll deletes every bucket List yields
func (b *Backend) DeleteAll(ctx context.Context) error {
	return replicax.DeleteListed(ctx, b.List(ctx), b.Delete)
}

// Upload writes r to a temporary file next to the target and renames it
// into place, so readers never observe a partial object
func (b *Backend) Upload(ctx context.Context, bucket, key string, r io.Reader) error {
	dir, target, err := objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := b.requireBucket(bucket, dir); err != nil {
		return err
	}

	parent := path.Dir(target)
	if err := b.fs.MkdirAll(parent, b.dirMode); err != nil {
		return fmt.Errorf("create %s: %w", parent, err)
	}

	tmp, err := afero.TempFile(b.fs, parent, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = b.fs.Remove(tmpName)
		}
	}()

	_, err = io.Copy(tmp, ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", bucket, key, err)
	}

	if err := b.fs.Chmod(tmpName, b.fileMode); err != nil {
		return fmt.Errorf("chmod %s/%s: %w", bucket, key, err)
	}
	if err := b.fs.Rename(tmpName, target); err != nil {
		return fmt.Errorf("commit %s/%s: %w", bucket, key, err)
	}
	committed = true
	return nil
}

// Download copies the object file into w
func (b *Backend) Download(ctx context.Context, bucket, key string, w io.Writer) error {
	dir, target, err := objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := b.requireBucket(bucket, dir); err != nil {
		return err
	}

	f, err := b.fs.Open(target)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return fmt.Errorf("object %s/%s: %w", bucket, key, replicax.ErrNotFound)
		}
		return fmt.Errorf("open %s/%s: %w", bucket, key, err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.IsDir() {
		return fmt.Errorf("object %s/%s: %w", bucket, key, replicax.ErrNotFound)
	}

	if _, err := io.Copy(w, ctxReader{ctx: ctx, r: f}); err != nil {
		return fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Close runs the registered cleanup, removing a temporary root
func (b *Backend) Close() error {
	if b.cleanup == nil {
		return nil
	}
	err := b.cleanup()
	b.cleanup = nil
	b.logger.Debug("Backend closed", zap.Error(err))
	return err
}

func (b *Backend) requireBucket(bucket, dir string) error {
	info, err := b.fs.Stat(dir)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return fmt.Errorf("bucket %q: %w", bucket, replicax.ErrNotFound)
		}
		return fmt.Errorf("stat bucket %q: %w", bucket, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("bucket %q: %w", bucket, replicax.ErrNotFound)
	}
	return nil
}

func bucketPath(bucket string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("%w: illegal bucket name %q", replicax.ErrInvalidConfig, bucket)
	}
	return "/" + bucket, nil
}

func objectPath(bucket, key string) (string, string, error) {
	dir, err := bucketPath(bucket)
	if err != nil {
		return "", "", err
	}
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.ContainsRune(key, 0) || clean != "/"+strings.TrimPrefix(key, "/") {
		return "", "", fmt.Errorf("%w: illegal object key %q", replicax.ErrInvalidConfig, key)
	}
	return dir, dir + clean, nil
}

// ctxReader stops a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
