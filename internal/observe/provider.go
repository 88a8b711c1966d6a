package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the global OpenTelemetry providers.
type ProviderConfig struct {
	// ServiceName reported in telemetry. Default "voicebridge".
	ServiceName string

	// ServiceVersion reported in telemetry.
	ServiceVersion string

	// TraceExporter receives finished spans. Nil means spans are still
	// recorded, so trace ids keep flowing into logs and correlation headers,
	// but nothing is exported.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider registers the global meter and tracer providers. Metrics go
// out through the Prometheus exporter scraped at /metrics; spans go to the
// configured exporter. The returned shutdown flushes both providers; call it
// from main on the way out.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voicebridge"
	}
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	tp := newTracerProvider(res, cfg.TraceExporter)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
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

func newTracerProvider(res *resource.Resource, exp sdktrace.SpanExporter) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...)
}
