// Package trace installs the process tracer provider.
package trace

import (
	"context"
	"fmt"

	sentryotel "github.com/getsentry/sentry-go/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkTrace "go.opentelemetry.io/otel/sdk/trace"
)

type Config struct {
	// OTLP HTTP endpoint URL. Spans are dropped when empty.
	Endpoint   string  `split_words:"true"`
	SampleRate float64 `split_words:"true" default:"0.1"`
}

// Setup installs a global tracer provider. Sentry receives spans too when
// withSentry is set; sentry.Init must have run first.
func Setup(ctx context.Context, cfg Config, withSentry bool) (func(context.Context) error, error) {
	var exporter sdkTrace.SpanExporter = discardExporter{}
	if cfg.Endpoint != "" {
		otlp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter: %w", err)
		}
		exporter = otlp
	}

	opts := []sdkTrace.TracerProviderOption{
		sdkTrace.WithBatcher(exporter),
		sdkTrace.WithSampler(NewForceBasedSampler(cfg.SampleRate)),
	}
	propagators := []propagation.TextMapPropagator{propagation.TraceContext{}, propagation.Baggage{}}
	if withSentry {
		opts = append(opts, sdkTrace.WithSpanProcessor(sentryotel.NewSentrySpanProcessor()))
		propagators = append(propagators, sentryotel.NewSentryPropagator())
	}

	tp := sdkTrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagators...))
	return tp.Shutdown, nil
}

// discardExporter lets sampled spans reach Sentry and in-process readers
// without shipping them anywhere else.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdkTrace.ReadOnlySpan) error {
	return nil
}

func (discardExporter) Shutdown(context.Context) error {
	return nil
}
