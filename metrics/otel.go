// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of OTelSink instruments.
const MeterName = "github.com/absmach/pushload/metrics"

// OTelSink translates events into OpenTelemetry instruments.
type OTelSink struct {
	events   metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
	size     metric.Int64Histogram
}

var _ Sink = (*OTelSink)(nil)

// NewOTelSink creates the instruments on meter. A nil meter uses the global
// meter provider.
func NewOTelSink(meter metric.Meter) (*OTelSink, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}

	s := &OTelSink{}
	var err error

	s.events, err = meter.Int64Counter(
		"pushload.events.total",
		metric.WithDescription("Total measured units of work"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}

	s.failures, err = meter.Int64Counter(
		"pushload.failures.total",
		metric.WithDescription("Failed units of work by error kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failures counter: %w", err)
	}

	s.duration, err = meter.Float64Histogram(
		"pushload.event.duration",
		metric.WithDescription("Duration of a unit of work"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	s.size, err = meter.Int64Histogram(
		"pushload.event.size",
		metric.WithDescription("Payload or frame size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create size histogram: %w", err)
	}

	return s, nil
}

// Record implements Sink.
func (s *OTelSink) Record(e Event) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.String("kind", string(e.Kind)),
		attribute.String("scenario", e.Scenario),
		attribute.String("name", e.Name),
	}
	opt := metric.WithAttributes(attrs...)

	s.events.Add(ctx, 1, opt)
	s.duration.Record(ctx, float64(e.Elapsed())/float64(time.Millisecond), opt)
	if e.Size > 0 {
		s.size.Record(ctx, int64(e.Size), opt)
	}
	if e.Failed() {
		s.failures.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.kind", e.ErrorKind()))...))
	}
}
