package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gostratum/replicax"
)

// MockBackend is a thread-safe in-memory implementation of replicax.Backend
// for testing. The exported hook fields script its behavior; set them
// before the backend is used concurrently.
type MockBackend struct {
	mu      sync.RWMutex
	buckets map[string]*mockBucket

	// Latency returns a delay applied before every upload and download
	Latency func() time.Duration

	// Hold, when non-nil, blocks uploads and downloads until it is closed
	Hold <-chan struct{}

	// Fail* make the matching operation return the error. FailUpload is
	// returned before the reader is touched.
	FailUpload   error
	FailDownload error
	FailCreate   error
	FailDelete   error
	FailList     error

	// Content, when non-nil, is returned by every download regardless of
	// what was stored
	Content []byte

	// ChunkSize splits reads and writes; zero means a single chunk
	ChunkSize int

	uploads   atomic.Int64
	downloads atomic.Int64
	closed    atomic.Bool
}

type mockBucket struct {
	created time.Time
	objects map[string][]byte
}

// NewMockBackend creates an empty mock backend
func NewMockBackend() *MockBackend {
	return &MockBackend{buckets: make(map[string]*mockBucket)}
}

// List implements replicax.Backend
func (m *MockBackend) List(ctx context.Context) iter.Seq2[replicax.BucketDescriptor, error] {
	return func(yield func(replicax.BucketDescriptor, error) bool) {
		if m.FailList != nil {
			yield(replicax.BucketDescriptor{}, m.FailList)
			return
		}

		m.mu.RLock()
		descs := make([]replicax.BucketDescriptor, 0, len(m.buckets))
		for name, b := range m.buckets {
			descs = append(descs, replicax.BucketDescriptor{Name: name, CreatedAt: b.created})
		}
		m.mu.RUnlock()

		// Sort for consistent ordering
		sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
		for _, d := range descs {
			if err := ctx.Err(); err != nil {
				yield(replicax.BucketDescriptor{}, err)
				return
			}
			if !yield(d, nil) {
				return
			}
		}
	}
}

// Create implements replicax.Backend
func (m *MockBackend) Create(ctx context.Context, bucket string) (bool, error) {
	if m.FailCreate != nil {
		return false, m.FailCreate
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; ok {
		return false, nil
	}
	m.buckets[bucket] = &mockBucket{created: time.Now().UTC(), objects: make(map[string][]byte)}
	return true, nil
}

// Delete implements replicax.Backend
func (m *MockBackend) Delete(ctx context.Context, bucket string) error {
	if m.FailDelete != nil {
		return m.FailDelete
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		return fmt.Errorf("bucket %q: %w", bucket, replicax.ErrNotFound)
	}
	delete(m.buckets, bucket)
	return nil
}

// DeleteAll implements replicax.Backend
func (m *MockBackend) DeleteAll(ctx context.Context) error {
	return replicax.DeleteListed(ctx, m.List(ctx), m.Delete)
}

// Upload implements replicax.Backend. The bucket is checked before the
// reader is touched. Readers offering ReadChunk are drained chunk by chunk,
// others through io.Reader.
func (m *MockBackend) Upload(ctx context.Context, bucket, key string, r io.Reader) error {
	m.uploads.Add(1)
	if m.FailUpload != nil {
		return m.FailUpload
	}
	if err := m.wait(ctx); err != nil {
		return err
	}
	if !m.HasBucket(bucket) {
		return fmt.Errorf("bucket %q: %w", bucket, replicax.ErrNotFound)
	}

	var data []byte
	if cr, ok := r.(interface {
		ReadChunk(max int) ([]byte, bool)
	}); ok {
		for {
			chunk, eof := cr.ReadChunk(m.ChunkSize)
			data = append(data, chunk...)
			if eof {
				break
			}
		}
	} else {
		var err error
		if data, err = io.ReadAll(r); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return fmt.Errorf("bucket %q: %w", bucket, replicax.ErrNotFound)
	}
	b.objects[key] = data
	return nil
}

// Download implements replicax.Backend
func (m *MockBackend) Download(ctx context.Context, bucket, key string, w io.Writer) error {
	m.downloads.Add(1)
	if err := m.wait(ctx); err != nil {
		return err
	}
	if m.FailDownload != nil {
		return m.FailDownload
	}

	data := m.Content
	if data == nil {
		var ok bool
		if data, ok = m.Object(bucket, key); !ok {
			return fmt.Errorf("object %s/%s: %w", bucket, key, replicax.ErrNotFound)
		}
	}

	size := m.ChunkSize
	if size <= 0 {
		size = max(len(data), 1)
	}
	for rest := data; len(rest) > 0; {
		n := min(size, len(rest))
		if _, err := w.Write(rest[:n]); err != nil {
			return err
		}
		rest = rest[n:]
	}
	return nil
}

func (m *MockBackend) wait(ctx context.Context) error {
	if m.Latency != nil {
		timer := time.NewTimer(m.Latency())
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.Hold != nil {
		select {
		case <-m.Hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Object returns a copy of the stored object
func (m *MockBackend) Object(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return nil, false
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(data), true
}

// HasBucket reports whether the bucket exists
func (m *MockBackend) HasBucket(bucket string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.buckets[bucket]
	return ok
}

// Uploads returns how many uploads were attempted
func (m *MockBackend) Uploads() int { return int(m.uploads.Load()) }

// Downloads returns how many downloads were attempted
func (m *MockBackend) Downloads() int { return int(m.downloads.Load()) }

// Close implements io.Closer
func (m *MockBackend) Close() error {
	m.closed.Store(true)
	return nil
}

// Closed reports whether Close was called
func (m *MockBackend) Closed() bool { return m.closed.Load() }

// MockFactory builds MockBackends for one kind and counts constructor calls
type MockFactory struct {
	kind  replicax.BackendKind
	calls atomic.Int64

	mu       sync.Mutex
	backends map[string]*MockBackend

	// Err, when set, makes every New call fail
	Err error
}

// NewMockFactory creates a factory for kind
func NewMockFactory(kind replicax.BackendKind) *MockFactory {
	return &MockFactory{kind: kind, backends: make(map[string]*MockBackend)}
}

// Kind implements replicax.Factory
func (f *MockFactory) Kind() replicax.BackendKind { return f.kind }

// New implements replicax.Factory. A backend registered with Use for the
// region id is returned instead of a fresh one.
func (f *MockFactory) New(_ context.Context, region replicax.Region) (replicax.Backend, error) {
	f.calls.Add(1)
	if f.Err != nil {
		return nil, f.Err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.backends[region.ID]; ok {
		return b, nil
	}
	b := NewMockBackend()
	f.backends[region.ID] = b
	return b, nil
}

// Use registers the backend returned for region id
func (f *MockFactory) Use(id string, b *MockBackend) *MockFactory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends[id] = b
	return f
}

// Backend returns the backend built (or registered) for region id
func (f *MockFactory) Backend(id string) *MockBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backends[id]
}

// Calls returns how many times New was called
func (f *MockFactory) Calls() int { return int(f.calls.Load()) }
