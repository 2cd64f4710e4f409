package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gostratum/replicax"
)

// Module returns an fx.Module contributing the S3 backend factory to the
// replicax factory group. Consumers opt in explicitly (s3.Module()).
func Module() fx.Option {
	return fx.Module("replicax-s3",
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
	return NewFactory(&p.Config.S3, p.Logger)
}

// Factory creates one S3 backend per region, sharing the S3 settings
type Factory struct {
	cfg           *replicax.S3Config
	logger        *zap.Logger
	loader        awsConfigLoader
	clientOptions []func(*s3.Options)
}

// FactoryOption customizes a Factory
type FactoryOption func(*Factory)

// WithClientOptions appends s3.Options mutators applied to every client
func WithClientOptions(opts ...func(*s3.Options)) FactoryOption {
	return func(f *Factory) {
		f.clientOptions = append(f.clientOptions, opts...)
	}
}

// NewFactory creates an S3 backend factory
func NewFactory(cfg *replicax.S3Config, logger *zap.Logger, opts ...FactoryOption) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory{cfg: cfg, logger: logger, loader: defaultLoader}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Kind implements replicax.Factory
func (f *Factory) Kind() replicax.BackendKind { return replicax.KindS3 }

// New implements replicax.Factory
func (f *Factory) New(ctx context.Context, region replicax.Region) (replicax.Backend, error) {
	if region.Kind != replicax.KindS3 {
		return nil, fmt.Errorf("%w: s3 factory got %s region", replicax.ErrUnsupportedBackendKind, region.Kind)
	}

	client, err := newClientWithLoader(ctx, ClientConfig{
		Config:        f.cfg,
		Region:        region.ID,
		Logger:        f.logger,
		ClientOptions: f.clientOptions,
	}, f.loader)
	if err != nil {
		return nil, err
	}

	return NewBackend(client, region, f.logger,
		WithMultipart(f.cfg.MultipartThreshold, f.cfg.PartSize, f.cfg.PartConcurrency),
	), nil
}
