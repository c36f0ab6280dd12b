package observability

import (
	"context"
	"fmt"
	"time"

	"contextcore/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
)

// InitOTel configures tracing and metrics exporters for contextcored.
// When obs.OTLP is empty, tracing and the OTLP metrics push are skipped
// (local-first deployments need not run a collector) but the process
// metrics still accumulate against a Prometheus reader so /metrics keeps
// working. Returns a shutdown func; callers should defer it.
func InitOTel(ctx context.Context, obs config.ObsConfig) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithAttributes(
			semconv.ServiceName(obs.ServiceName),
			semconv.ServiceVersion(obs.ServiceVersion),
			attribute.String("deployment.environment", obs.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("init resource: %w", err)
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("init prometheus exporter: %w", err)
	}
	metricOpts := []metric.Option{metric.WithResource(res), metric.WithReader(promExp)}

	var tp *sdktrace.TracerProvider
	var otlpReader *metric.PeriodicReader
	var lp *sdklog.LoggerProvider
	if obs.OTLP != "" {
		trExp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(obs.OTLP), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("init trace exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(trExp),
			sdktrace.WithResource(res),
		)

		mExp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(obs.OTLP), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("init metrics exporter: %w", err)
		}
		otlpReader = metric.NewPeriodicReader(mExp, metric.WithInterval(10*time.Second))
		metricOpts = append(metricOpts, metric.WithReader(otlpReader))

		logExp, err := otlploghttp.New(ctx, otlploghttp.WithEndpoint(obs.OTLP), otlploghttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("init log exporter: %w", err)
		}
		lp = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
			sdklog.WithResource(res),
		)
		global.SetLoggerProvider(lp)
		AttachOTelWriter(obs.ServiceName)
	}

	mp := metric.NewMeterProvider(metricOpts...)
	otel.SetMeterProvider(mp)
	if tp != nil {
		otel.SetTracerProvider(tp)
	}
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		var first error
		if err := mp.Shutdown(ctx); err != nil {
			first = err
		}
		if tp != nil {
			if err := tp.Shutdown(ctx); err != nil && first == nil {
				first = err
			}
		}
		if lp != nil {
			if err := lp.Shutdown(ctx); err != nil && first == nil {
				first = err
			}
		}
		return first
	}, nil
}
