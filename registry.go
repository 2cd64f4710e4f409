package replicax

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Handle binds a backend to the region that first produced it
type Handle struct {
	Region  Region
	Backend Backend
}

// Key returns the registry key of the handle
func (h Handle) Key() BackendKey {
	return h.Region.Key()
}

// SkippedRegion records a region the registry excluded and why
type SkippedRegion struct {
	Region Region
	Err    error
}

// Registry holds exactly one backend per distinct (kind, id) pair. It is
// built once and read-only afterwards, so it is safe for concurrent use.
type Registry struct {
	factories map[BackendKind]Factory
	handles   map[BackendKey]Backend
	order     []Handle
	skipped   []SkippedRegion
	logger    *zap.Logger
}

// NewRegistry resolves regions to backends. Invalid regions, regions without
// a factory and regions whose factory fails are logged and skipped; only a
// malformed factory table is an error.
func NewRegistry(ctx context.Context, regions []Region, factories []Factory, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	table := make(map[BackendKind]Factory, len(factories))
	for _, f := range factories {
		if f == nil {
			return nil, fmt.Errorf("%w: nil backend factory", ErrInvalidConfig)
		}
		if _, dup := table[f.Kind()]; dup {
			return nil, fmt.Errorf("%w: duplicate factory for backend kind %s", ErrInvalidConfig, f.Kind())
		}
		table[f.Kind()] = f
	}

	r := &Registry{
		factories: table,
		handles:   make(map[BackendKey]Backend, len(regions)),
		logger:    logger,
	}

	seen := make(map[BackendKey]struct{}, len(regions))
	for _, region := range regions {
		if _, dup := seen[region.Key()]; dup {
			continue
		}
		seen[region.Key()] = struct{}{}
		if err := r.add(ctx, region); err != nil {
			r.skipped = append(r.skipped, SkippedRegion{Region: region, Err: err})
			logger.Warn("Skipping region",
				zap.String("kind", region.Kind.String()),
				zap.String("region", region.ID),
				zap.Error(err),
			)
		}
	}

	logger.Debug("Backend registry built",
		zap.Int("regions", len(regions)),
		zap.Int("backends", len(r.order)),
		zap.Int("skipped", len(r.skipped)),
	)

	return r, nil
}

func (r *Registry) add(ctx context.Context, region Region) error {
	factory, ok := r.factories[region.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedBackendKind, region.Kind)
	}

	if !region.Valid {
		return &RegionError{Kind: region.Kind, ID: region.ID, Reason: "identifier is not a legal value for its kind"}
	}

	backend, err := factory.New(ctx, region)
	if err != nil {
		return &BackendError{Op: "connect", Backend: region.Key(), Err: err}
	}
	if backend == nil {
		return &BackendError{Op: "connect", Backend: region.Key(), Err: fmt.Errorf("factory returned nil backend")}
	}

	r.handles[region.Key()] = backend
	r.order = append(r.order, Handle{Region: region, Backend: backend})
	return nil
}

// Handles returns the resolved backends in configuration order
func (r *Registry) Handles() []Handle {
	out := make([]Handle, len(r.order))
	copy(out, r.order)
	return out
}

// Lookup returns the backend for key
func (r *Registry) Lookup(key BackendKey) (Backend, bool) {
	b, ok := r.handles[key]
	return b, ok
}

// Len returns the number of distinct backends
func (r *Registry) Len() int {
	return len(r.order)
}

// Skipped returns the regions that were excluded during resolution
func (r *Registry) Skipped() []SkippedRegion {
	out := make([]SkippedRegion, len(r.skipped))
	copy(out, r.skipped)
	return out
}

// Close closes every backend that holds resources
func (r *Registry) Close() error {
	var err error
	for _, h := range r.order {
		if closer, ok := h.Backend.(io.Closer); ok {
			if cerr := closer.Close(); cerr != nil {
				err = multierr.Append(err, fmt.Errorf("close %s: %w", h.Key(), cerr))
			}
		}
	}
	return err
}
