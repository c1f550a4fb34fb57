// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package telemetry sets up the OpenTelemetry providers used by scenario
// spans and the metrics sink.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/pushload/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	exportTimeout   = 30 * time.Second
	defaultInterval = 10 * time.Second
	batchSize       = 512
	batchTimeout    = 5 * time.Second
)

// RunIDKey tags every exported span and metric with the load run.
const RunIDKey = attribute.Key("pushload.run_id")

// Providers holds the tracer and meter providers of one load run. Both are
// also registered globally.
type Providers struct {
	tracer  trace.TracerProvider
	meter   metric.MeterProvider
	closers []func(context.Context) error
}

// Init builds the providers from cfg. A disabled config, or a disabled
// signal, gets a no-op provider so callers never check for nil.
func Init(ctx context.Context, cfg config.OTelConfig, runID string) (*Providers, error) {
	p := &Providers{
		tracer: tracenoop.NewTracerProvider(),
		meter:  metricnoop.NewMeterProvider(),
	}

	if cfg.Enabled {
		res, err := resource.New(ctx,
			resource.WithHost(),
			resource.WithAttributes(
				semconv.ServiceNameKey.String(cfg.ServiceName),
				semconv.ServiceVersionKey.String(cfg.ServiceVersion),
				semconv.ServiceInstanceIDKey.String(runID),
				RunIDKey.String(runID),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}

		if cfg.TracesEnabled {
			if err := p.startTracing(ctx, cfg, res); err != nil {
				return nil, err
			}
		}
		if cfg.MetricsEnabled {
			if err := p.startMetrics(ctx, cfg, res); err != nil {
				_ = p.Shutdown(ctx)
				return nil, err
			}
		}
	}

	otel.SetTracerProvider(p.tracer)
	otel.SetMeterProvider(p.meter)

	return p, nil
}

func (p *Providers) startTracing(ctx context.Context, cfg config.OTelConfig, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(exportTimeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRate))),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(batchSize),
			sdktrace.WithBatchTimeout(batchTimeout),
		),
	)
	p.tracer = tp
	p.closers = append(p.closers, tp.Shutdown)
	return nil
}

func (p *Providers) startMetrics(ctx context.Context, cfg config.OTelConfig, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = defaultInterval
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	p.meter = mp
	p.closers = append(p.closers, mp.Shutdown)
	return nil
}

// Tracer returns a tracer for the instrumentation scope name.
func (p *Providers) Tracer(name string) trace.Tracer {
	return p.tracer.Tracer(name)
}

// Meter returns a meter for the instrumentation scope name.
func (p *Providers) Meter(name string) metric.Meter {
	return p.meter.Meter(name)
}

// Shutdown flushes pending spans and metrics and stops the exporters.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.closers {
		errs = append(errs, fn(ctx))
	}
	p.closers = nil
	return errors.Join(errs...)
}
