package replicax

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// FactoryGroup is the fx value group backend factories are collected from
const FactoryGroup = "replicax.factories"

// Module provides the replication client for fx. It does not register any
// backend kind by itself: include adapter modules (fs.Module(), s3.Module(),
// remote.Module()) to contribute factories.
//
// Example usage:
//
//	app := fx.New(
//	    fx.Supply(v), // *viper.Viper holding a "replicax" section
//	    replicax.Module(),
//	    fs.Module(),
//	    fx.Invoke(func(c *replicax.Client) {
//	        // Use client...
//	    }),
//	)
func Module() fx.Option {
	return fx.Module("replicax",
		fx.Provide(
			NewConfig,
			NewObservabilityInstrumenter,
			NewClientFromParams,
		),
		fx.Invoke(registerLifecycle),
	)
}

// AsFactory registers a constructor returning a Factory into FactoryGroup
func AsFactory(constructor any) fx.Option {
	return fx.Provide(fx.Annotated{
		Group:  FactoryGroup,
		Target: constructor,
	})
}

// WithFactory supplies a ready Factory to the fx graph
func WithFactory(f Factory) fx.Option {
	return AsFactory(func() Factory { return f })
}

// ConfigParams defines the optional configuration source
type ConfigParams struct {
	fx.In

	Viper *viper.Viper `optional:"true"`
}

// NewConfig loads the "replicax" section from viper on top of the defaults.
// Without a viper instance the defaults are used as-is.
func NewConfig(p ConfigParams) (*Config, error) {
	cfg := DefaultConfig()
	if p.Viper != nil {
		if err := p.Viper.UnmarshalKey(cfg.Prefix(), cfg); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	cfg = cfg.Sanitize()
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ObservabilityDeps defines optional observability dependencies
type ObservabilityDeps struct {
	fx.In

	Registerer     prometheus.Registerer `optional:"true"`
	TracerProvider trace.TracerProvider  `optional:"true"`
}

// NewObservabilityInstrumenter creates an instrumenter for gateway operations
func NewObservabilityInstrumenter(deps ObservabilityDeps) *Instrumenter {
	return NewInstrumenter(deps.Registerer, deps.TracerProvider)
}

// ClientParams defines the parameters needed for client creation
type ClientParams struct {
	fx.In

	Config       *Config
	Factories    []Factory     `group:"replicax.factories"`
	Logger       *zap.Logger   `optional:"true"`
	Instrumenter *Instrumenter `optional:"true"`
	Namer        BucketNamer   `optional:"true"`
}

// NewClientFromParams builds the client from the fx graph
func NewClientFromParams(p ClientParams) (*Client, error) {
	opts := []Option{WithFactories(p.Factories...)}
	if p.Logger != nil {
		opts = append(opts, WithLogger(p.Logger))
	}
	if p.Instrumenter != nil {
		opts = append(opts, WithInstrumenter(p.Instrumenter))
	}
	if p.Namer != nil {
		opts = append(opts, WithBucketNamer(p.Namer))
	}
	return NewClient(context.Background(), p.Config, opts...)
}

// LifecycleParams defines parameters for lifecycle management
type LifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Client    *Client
	Logger    *zap.Logger `optional:"true"`
}

// registerLifecycle closes the client (and every backend it owns) on stop
func registerLifecycle(p LifecycleParams) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Replicax module started", zap.Int("backends", len(p.Client.Backends())))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Replicax module stopping")
			if err := p.Client.Close(); err != nil {
				logger.Error("Error closing replication client", zap.Error(err))
				return err
			}
			return nil
		},
	})
}
