// Package telemetry provides OpenTelemetry metrics for abathur.
//
// Metrics are disabled by default (no-op providers, zero overhead).
// Enable with the swarm --metrics flag or ABATHUR_OTEL_ENABLED=true;
// readings go to stdout through the periodic stdout exporter.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "github.com/abathur-dev/abathur"

// ExportInterval is how often the stdout reader flushes readings.
const ExportInterval = 15 * time.Second

var shutdownFns []func(context.Context) error

// EnvEnabled reports whether metrics are forced on via the environment.
func EnvEnabled() bool {
	return os.Getenv("ABATHUR_OTEL_ENABLED") == "true"
}

// Init installs the metric provider. With enabled false (and no env
// override) a no-op provider is installed and the call is free.
func Init(ctx context.Context, serviceName, version string, enabled bool) error {
	if !enabled && !EnvEnabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	exp, err := stdoutmetric.New()
	if err != nil {
		return fmt.Errorf("telemetry: stdout exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(ExportInterval)),
		),
	)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

// Meter returns a meter with the given instrumentation name (or the
// global scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes pending readings and stops the provider. Deferred by
// the CLI with a short-lived context.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}
