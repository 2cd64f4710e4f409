package remote

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gostratum/replicax"
)

// Module returns an fx.Module contributing the remote backend factory to
// the replicax factory group
func Module() fx.Option {
	return fx.Module("replicax-remote",
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
	return NewFactory(&p.Config.Remote, p.Logger)
}

// Factory resolves "<port>.<tag>" regions to nodes on the configured host
type Factory struct {
	cfg    *replicax.RemoteConfig
	logger *zap.Logger
}

// NewFactory creates a remote backend factory
func NewFactory(cfg *replicax.RemoteConfig, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &replicax.DefaultConfig().Remote
	}
	return &Factory{cfg: cfg, logger: logger}
}

// Kind implements replicax.Factory
func (f *Factory) Kind() replicax.BackendKind { return replicax.KindRemote }

// New implements replicax.Factory
func (f *Factory) New(_ context.Context, region replicax.Region) (replicax.Backend, error) {
	if region.Kind != replicax.KindRemote {
		return nil, fmt.Errorf("%w: remote factory got %s region", replicax.ErrUnsupportedBackendKind, region.Kind)
	}
	port, tag, ok := region.RemotePort()
	if !ok {
		return nil, &replicax.RegionError{Kind: region.Kind, ID: region.ID, Reason: "expected <port>.<service-tag>"}
	}
	return NewBackend(f.BaseURL(port, tag), f.cfg, f.logger), nil
}

// BaseURL returns the URL of the backend mounted under tag at port
func (f *Factory) BaseURL(port int, tag string) string {
	return fmt.Sprintf("%s://%s/%s", f.cfg.Scheme, net.JoinHostPort(f.cfg.Host, strconv.Itoa(port)), tag)
}
