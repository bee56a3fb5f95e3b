// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxdispatch/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	exportTimeout  = 30 * time.Second
	exportInterval = 10 * time.Second
)

// CallbackBuckets are the histogram boundaries, in milliseconds, for
// consumer callback durations. Callbacks are expected to finish well under
// a lock expiry, so the buckets are dense below one second.
var CallbackBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}

// Views returns the stream configuration applied to dispatch instruments.
func Views() []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: callbackDurationName},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: CallbackBuckets}},
		),
	}
}

// Resource describes the engine the telemetry comes from.
func Resource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.Metrics.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Metrics.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(cfg.Remote.LocalEngine),
			attribute.String("dispatch.engine", cfg.Remote.LocalEngine),
			attribute.String("dispatch.storage", cfg.Storage.Type),
			attribute.Int("dispatch.workers", cfg.Dispatch.Workers),
			attribute.Int("dispatch.destinations", len(cfg.Destinations)),
		),
	)
}

// InitProvider installs OTLP meter and tracer providers for the engine
// and returns their combined shutdown.
func InitProvider(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	res, err := Resource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}

	if cfg.Metrics.TracesEnabled {
		tp, err := newTracerProvider(ctx, cfg.Metrics, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		otel.SetTracerProvider(tp)
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Metrics.Endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	mp := NewMeterProvider(res, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval)))
	otel.SetMeterProvider(mp)
	shutdownFuncs = append(shutdownFuncs, mp.Shutdown)

	return shutdown, nil
}

// NewMeterProvider builds a meter provider carrying the dispatch views.
func NewMeterProvider(res *resource.Resource, reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	opts := []sdkmetric.Option{sdkmetric.WithReader(reader), sdkmetric.WithView(Views()...)}
	if res != nil {
		opts = append(opts, sdkmetric.WithResource(res))
	}
	return sdkmetric.NewMeterProvider(opts...)
}

func newTracerProvider(ctx context.Context, cfg config.MetricsConfig, res *resource.Resource) (*trace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.TraceSampleRate))),
		trace.WithBatcher(exporter, trace.WithBatchTimeout(5*time.Second)),
	), nil
}
