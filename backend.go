package replicax

import (
	"context"
	"io"
	"iter"
	"time"

	"go.uber.org/multierr"
)

// BucketDescriptor describes one bucket as reported by a backend listing
type BucketDescriptor struct {
	// Name is the bucket name as stored on the backend (namespaced)
	Name string

	// Bucket is the logical bucket name with the region namespace removed.
	// Empty when the backend bucket was not created through replicax.
	Bucket string

	// Backend identifies the backend that reported the bucket
	Backend BackendKey

	// CreatedAt is the creation time when the backend knows it
	CreatedAt time.Time
}

// Backend is the capability surface every storage adapter exposes. All
// methods address buckets by their backend-local (already namespaced) name.
type Backend interface {
	// List yields every bucket on the backend. The sequence is lazy and
	// single-pass: it reflects a live listing and is not restartable.
	List(ctx context.Context) iter.Seq2[BucketDescriptor, error]

	// Create makes the bucket. It reports true when the bucket was newly
	// created and (false, nil) when it already exists and is owned by the caller.
	Create(ctx context.Context, bucket string) (bool, error)

	// Delete removes every object in the bucket and then the bucket
	Delete(ctx context.Context, bucket string) error

	// DeleteAll deletes every bucket returned by List
	DeleteAll(ctx context.Context) error

	// Upload drains r into bucket/key
	Upload(ctx context.Context, bucket, key string, r io.Reader) error

	// Download writes the object at bucket/key to w, in one or more writes
	Download(ctx context.Context, bucket, key string, w io.Writer) error
}

// Factory builds a Backend for a region of one kind
type Factory interface {
	Kind() BackendKind
	New(ctx context.Context, region Region) (Backend, error)
}

// FactoryFunc adapts a function into a Factory for the given kind
func FactoryFunc(kind BackendKind, fn func(ctx context.Context, region Region) (Backend, error)) Factory {
	return &funcFactory{kind: kind, fn: fn}
}

type funcFactory struct {
	kind BackendKind
	fn   func(ctx context.Context, region Region) (Backend, error)
}

func (f *funcFactory) Kind() BackendKind { return f.kind }

func (f *funcFactory) New(ctx context.Context, region Region) (Backend, error) {
	return f.fn(ctx, region)
}

// DeleteListed deletes every bucket produced by list, continuing past
// failures. Backends use it to implement DeleteAll on top of List.
func DeleteListed(ctx context.Context, list iter.Seq2[BucketDescriptor, error], del func(ctx context.Context, bucket string) error) error {
	var errs []error
	for desc, err := range list {
		if err != nil {
			errs = append(errs, err)
			break
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := del(ctx, desc.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}
