// Package telemetry wires OpenTelemetry tracing for analysis turns and HTTP requests.
package telemetry

import (
	"context"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/terrachat/terrachat"

// DefaultServiceName is reported when the config leaves it empty.
const DefaultServiceName = "terrachat"

// Config drives how telemetry is initialized.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Endpoint is an OTLP/HTTP collector URL. Empty keeps spans in-process.
	Endpoint string

	// SpanProcessor, when set, receives every span in addition to the exporter.
	SpanProcessor sdktrace.SpanProcessor
}

// Manager owns the tracer provider.
type Manager struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

var globalManager atomic.Pointer[Manager]

// NewManager builds a tracer provider with an optional OTLP exporter.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(buildResource(cfg)),
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	if cfg.SpanProcessor != nil {
		opts = append(opts, sdktrace.WithSpanProcessor(cfg.SpanProcessor))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	return &Manager{
		tracer:   tp.Tracer(instrumentationName),
		provider: tp,
	}, nil
}

// StartSpan proxies trace creation through the configured tracer.
func (m *Manager) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, opts...)
}

// Shutdown flushes and stops the tracer provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// SetDefault swaps the global manager used by the helper functions.
func SetDefault(mgr *Manager) {
	globalManager.Store(mgr)
}

// Default returns the process-wide manager when registered.
func Default() *Manager {
	return globalManager.Load()
}

// StartSpan starts a span using the global manager when available.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if mgr := Default(); mgr != nil {
		return mgr.StartSpan(ctx, name, opts...)
	}
	return ctx, trace.SpanFromContext(ctx)
}

// EndSpan finalizes span state while standardizing error recording.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "ok")
	}
	span.End()
}

func buildResource(cfg Config) *resource.Resource {
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = DefaultServiceName
	}
	attrs := []attribute.KeyValue{attribute.String("service.name", service)}
	if version := strings.TrimSpace(cfg.ServiceVersion); version != "" {
		attrs = append(attrs, attribute.String("service.version", version))
	}
	return resource.NewSchemaless(attrs...)
}
