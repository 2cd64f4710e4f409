package fs

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gostratum/replicax"
)

// Module returns an fx.Module contributing the filesystem backend factory
// to the replicax factory group
func Module() fx.Option {
	return fx.Module("replicax-fs",
		replicax.AsFactory(NewFactoryFromParams),
	)
}

// FactoryParams defines the dependencies of the fx-provided factory
type FactoryParams struct {
	fx.In

	Config *replicax.Config
	Logger *zap.Logger `optional:"true"`
}

// NewFactoryFromParams builds the factory from the fx graph
func NewFactoryFromParams(p FactoryParams) replicax.Factory {
	return NewFactory(&p.Config.Filesystem, p.Logger)
}

// Factory maps filesystem regions to backends: "temp" gets a fresh
// temporary directory, "memory" an in-memory tree, anything else is a path.
type Factory struct {
	cfg    *replicax.FilesystemConfig
	logger *zap.Logger
}

// NewFactory creates a filesystem backend factory
func NewFactory(cfg *replicax.FilesystemConfig, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &replicax.DefaultConfig().Filesystem
	}
	return &Factory{cfg: cfg, logger: logger}
}

// Kind implements replicax.Factory
func (f *Factory) Kind() replicax.BackendKind { return replicax.KindFilesystem }

// New implements replicax.Factory
func (f *Factory) New(_ context.Context, region replicax.Region) (replicax.Backend, error) {
	if region.Kind != replicax.KindFilesystem {
		return nil, fmt.Errorf("%w: filesystem factory got %s region", replicax.ErrUnsupportedBackendKind, region.Kind)
	}

	opts := []Option{
		WithLogger(f.logger),
		WithModes(os.FileMode(f.cfg.DirMode), os.FileMode(f.cfg.FileMode)),
	}

	switch region.ID {
	case replicax.FilesystemMemory:
		return NewMemoryBackend(opts...), nil
	case replicax.FilesystemTemp:
		b, err := NewTempBackend(f.cfg.TempPattern, opts...)
		if err != nil {
			return nil, err
		}
		f.logger.Info("Temporary filesystem backend created", zap.String("backend", b.name))
		return b, nil
	default:
		return NewDiskBackend(region.ID, opts...)
	}
}
