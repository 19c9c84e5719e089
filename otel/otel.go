// Package otel sets up the Open Telemetry trace pipeline of ghost.
package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/ghost/env"
)

const serviceName = "ghost"

var (
	// ErrUnsupportedProto indicates that the defined exporter protocol is not supported.
	ErrUnsupportedProto = errors.New("unsupported protocol")

	// ErrInvalidSampleRatio is returned for a sample ratio outside [0, 1].
	ErrInvalidSampleRatio = errors.New("sample ratio must be between 0 and 1")
)

// TraceProvider provides methods for tracers initialization and shutdown of the
// processing pipeline.
type TraceProvider interface {
	trace.TracerProvider
	Shutdown(ctx context.Context) error
}

// Options configures an exporting TraceProvider.
type Options struct {
	// Proto is the OTLP protocol. Only "http" is supported.
	Proto    string
	Endpoint string
	Insecure bool

	// SampleRatio is the fraction of root spans sampled. Child spans follow
	// their parent's decision.
	SampleRatio float64

	// ServiceVersion is reported with every span when set.
	ServiceVersion string
}

// NewOptions returns Options exporting every span over OTLP/HTTP.
func NewOptions() *Options {
	return &Options{
		Proto:       "http",
		SampleRatio: 1,
	}
}

type traceProvider struct {
	trace.TracerProvider

	noop bool

	shutdown func(ctx context.Context) error
}

// NewTraceProvider creates a trace provider exporting spans as configured by
// opts, and installs it as the global provider.
func NewTraceProvider(ctx context.Context, opts *Options) (TraceProvider, error) {
	if opts.SampleRatio < 0 || opts.SampleRatio > 1 {
		return nil, fmt.Errorf("%w, got %v", ErrInvalidSampleRatio, opts.SampleRatio)
	}
	client, err := newClient(opts.Proto, opts.Endpoint, opts.Insecure)
	if err != nil {
		return nil, fmt.Errorf("creating exporter client: %w", err)
	}

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	prov := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(opts.ServiceVersion)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	)

	otel.SetTracerProvider(prov)

	return &traceProvider{
		TracerProvider: prov,
		shutdown:       prov.Shutdown,
	}, nil
}

// NewFromEnv exports over OTLP/HTTP when a traces endpoint is configured,
// and returns a noop provider otherwise.
func NewFromEnv(ctx context.Context, c *env.Config, serviceVersion string) (TraceProvider, error) {
	if c.TracesEndpoint == "" {
		return NewNoopTraceProvider(), nil
	}

	opts := NewOptions()
	opts.Endpoint = c.TracesEndpoint
	opts.Insecure = c.TracesInsecure
	opts.ServiceVersion = serviceVersion
	if c.TracesSampleRatio.Valid {
		opts.SampleRatio = c.TracesSampleRatio.Float64
	}

	return NewTraceProvider(ctx, opts)
}

func newResource(version string) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ProcessPID(os.Getpid()),
	}
	if version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.HostName(host))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

func newClient(proto, endpoint string, insecure bool) (otlptrace.Client, error) {
	switch strings.ToLower(proto) {
	case "http":
		return newHTTPClient(endpoint, insecure), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedProto, proto)
	}
}

func newHTTPClient(endpoint string, insecure bool) otlptrace.Client {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.NewClient(opts...)
}

// NewNoopTraceProvider creates a new noop trace provider.
func NewNoopTraceProvider() TraceProvider {
	return &traceProvider{
		TracerProvider: trace.NewNoopTracerProvider(),
		noop:           true,
	}
}

// Shutdown flushes pending spans and stops the exporter. After Shutdown is
// called, all methods are no-ops.
func (tp *traceProvider) Shutdown(ctx context.Context) error {
	if tp.noop {
		return nil
	}

	return tp.shutdown(ctx)
}
