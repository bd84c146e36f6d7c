// Package metrics creates otel instruments that never fail the caller. The
// meter provider is installed in main and exported through Prometheus.
package metrics

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationName = "github.com/dynoinc/billstream"

func Meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

func Counter(name, description string) metric.Int64Counter {
	c, err := Meter().Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		slog.Warn("creating counter", "name", name, "error", err)
		return noop.Int64Counter{}
	}
	return c
}

func Histogram(name, description, unit string, buckets ...float64) metric.Int64Histogram {
	opts := []metric.Int64HistogramOption{metric.WithDescription(description), metric.WithUnit(unit)}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := Meter().Int64Histogram(name, opts...)
	if err != nil {
		slog.Warn("creating histogram", "name", name, "error", err)
		return noop.Int64Histogram{}
	}
	return h
}

// Setup installs a meter provider backed by the Prometheus exporter, which
// registers with the default registry served by promhttp.
func Setup() (func(context.Context) error, error) {
	exporter, err := otelprom.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}
