package replicax

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/gostratum/replicax"

// Instrumenter wraps gateway operations with metrics and tracing. A nil
// *Instrumenter is valid and records nothing.
type Instrumenter struct {
	tracer trace.Tracer

	operations      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	backendOps      *prometheus.CounterVec
	bytes           *prometheus.HistogramVec
	stragglers      *prometheus.CounterVec
	quorumCompleted *prometheus.HistogramVec
}

// NewInstrumenter creates an instrumenter. Metrics are registered on reg
// when it is non-nil; tp defaults to a no-op tracer provider.
func NewInstrumenter(reg prometheus.Registerer, tp trace.TracerProvider) *Instrumenter {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	factory := promauto.With(reg)

	return &Instrumenter{
		tracer: tp.Tracer(instrumentationName),
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "replicax_operations_total",
			Help: "Total number of gateway operations",
		}, []string{"operation", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "replicax_operation_duration_seconds",
			Help:    "Gateway operation duration in seconds, measured until the caller is released",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
		backendOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "replicax_backend_operations_total",
			Help: "Total number of per-backend operations",
		}, []string{"operation", "kind", "status"}),
		bytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "replicax_operation_bytes",
			Help:    "Payload size of upload and download operations",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"operation"}),
		stragglers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "replicax_straggler_results_total",
			Help: "Backend results discarded because the quorum gate had already decided",
		}, []string{"operation"}),
		quorumCompleted: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "replicax_quorum_completed",
			Help:    "Number of backends counted when a quorum gate opened",
			Buckets: prometheus.LinearBuckets(1, 1, 16),
		}, []string{"operation"}),
	}
}

// TraceOperation wraps an operation with a span and operation metrics
func (i *Instrumenter) TraceOperation(ctx context.Context, operation string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	if i == nil {
		return fn(ctx)
	}

	ctx, span := i.tracer.Start(ctx, "replicax."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, attribute.String("replicax.operation", operation))...),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	i.operations.WithLabelValues(operation, status).Inc()
	i.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	return err
}

// RecordBackendResult counts one per-backend outcome
func (i *Instrumenter) RecordBackendResult(operation string, kind BackendKind, err error) {
	if i == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	i.backendOps.WithLabelValues(operation, kind.String(), status).Inc()
}

// RecordOperationSize records the size of data transferred
func (i *Instrumenter) RecordOperationSize(operation string, size int) {
	if i == nil {
		return
	}
	i.bytes.WithLabelValues(operation).Observe(float64(size))
}

// RecordStraggler counts a result discarded after the gate decided
func (i *Instrumenter) RecordStraggler(operation string) {
	if i == nil {
		return
	}
	i.stragglers.WithLabelValues(operation).Inc()
}

// RecordQuorum records how many backends were counted when a gate opened
func (i *Instrumenter) RecordQuorum(operation string, completed int) {
	if i == nil {
		return
	}
	i.quorumCompleted.WithLabelValues(operation).Observe(float64(completed))
}
