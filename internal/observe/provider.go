package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the process-wide telemetry providers.
type ProviderConfig struct {
	// ServiceName is reported on every span and metric. Default: "voxtalk".
	ServiceName string

	ServiceVersion string

	// Prometheus registers a Prometheus reader so turn and provider metrics
	// can be scraped from /metrics. Without it instruments record into a
	// provider nobody reads.
	Prometheus bool

	// SpanExporter receives voice turn spans. Nil keeps spans in-process,
	// which is enough for trace_id log correlation.
	SpanExporter sdktrace.SpanExporter

	// SyncExport exports each span as it ends instead of batching.
	SyncExport bool
}

// InitProvider installs the global meter and tracer providers and returns a
// shutdown that flushes them in reverse order of installation.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxtalk"
	}
	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}
	mp, err := newMeterProvider(res, cfg.Prometheus)
	if err != nil {
		return nil, fmt.Errorf("observe: meter provider: %w", err)
	}
	tp := newTracerProvider(res, cfg)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
}

func newMeterProvider(res *resource.Resource, prometheus bool) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if prometheus {
		exp, err := promexporter.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(exp))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

func newTracerProvider(res *resource.Resource, cfg ProviderConfig) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch {
	case cfg.SpanExporter == nil:
	case cfg.SyncExport:
		opts = append(opts, sdktrace.WithSyncer(cfg.SpanExporter))
	default:
		opts = append(opts, sdktrace.WithBatcher(cfg.SpanExporter))
	}
	return sdktrace.NewTracerProvider(opts...)
}
