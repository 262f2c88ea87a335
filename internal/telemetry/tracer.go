// Package telemetry sets up OpenTelemetry tracing for the runtime.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Provider owns the tracer provider installed for the process.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Option configures Init.
type Option func(*options)

type options struct {
	out io.Writer
}

// WithWriter directs exported spans to w instead of stdout.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// Init installs a global tracer provider whose spans are exported as
// pretty-printed JSON, tagged with the service name and version. The
// returned Provider must be shut down to flush the batcher.
func Init(service, version string, logger *slog.Logger, opts ...Option) (*Provider, error) {
	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(o.out),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(service),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry initialized",
		slog.String("service", service),
		slog.String("version", version))

	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
