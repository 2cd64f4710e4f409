package replicax

import (
	"time"

	"go.uber.org/zap"
)

// Options holds functional options for customizing the client
type Options struct {
	logger       *zap.Logger
	factories    []Factory
	instrumenter *Instrumenter
	namer        BucketNamer
	clock        func() time.Time
}

// Option is a functional option for configuring the Client
type Option func(*Options)

// WithLogger sets the zap logger
func WithLogger(logger *zap.Logger) Option {
	return func(opts *Options) {
		opts.logger = logger
	}
}

// WithFactories adds backend factories; exactly one factory per kind is allowed
func WithFactories(factories ...Factory) Option {
	return func(opts *Options) {
		opts.factories = append(opts.factories, factories...)
	}
}

// WithInstrumenter sets the metrics and tracing instrumenter
func WithInstrumenter(inst *Instrumenter) Option {
	return func(opts *Options) {
		opts.instrumenter = inst
	}
}

// WithBucketNamer sets a custom bucket namespacing strategy
func WithBucketNamer(namer BucketNamer) Option {
	return func(opts *Options) {
		opts.namer = namer
	}
}

// WithClock sets the time source used to measure how long callers wait for a quorum
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.clock = clock
	}
}

// applyDefaults applies default values to unset options
func (opts *Options) applyDefaults(cfg *Config) {
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.namer == nil {
		opts.namer = NewRegionNamer(cfg.BucketSeparator)
	}
	if opts.clock == nil {
		opts.clock = time.Now
	}
}

// OpOption customizes a single upload or download call
type OpOption func(*opOptions)

type opOptions struct {
	quorum    int
	policy    *ReadPolicy
	timeout   time.Duration
	onRelease func(completed int)
}

// WithQuorum sets how many backends the call waits for. Zero uses the
// configured default, negative values clamp to 1.
func WithQuorum(k int) OpOption {
	return func(o *opOptions) {
		o.quorum = k
	}
}

// WithPolicy selects the download read policy
func WithPolicy(p ReadPolicy) OpOption {
	return func(o *opOptions) {
		o.policy = &p
	}
}

// WithTimeout overrides the configured quorum timeout for one call
func WithTimeout(d time.Duration) OpOption {
	return func(o *opOptions) {
		o.timeout = d
	}
}

// WithReleaseHook is called with the completion count when the gate opens
func WithReleaseHook(fn func(completed int)) OpOption {
	return func(o *opOptions) {
		o.onRelease = fn
	}
}
