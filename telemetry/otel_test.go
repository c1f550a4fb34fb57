// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"testing"

	"github.com/absmach/pushload/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{}, "run-1")
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))

	_, span := p.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())

	counter, err := p.Meter("test").Int64Counter("events")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
}

func TestInitTracesOnly(t *testing.T) {
	cfg := config.OTelConfig{
		Enabled:         true,
		Endpoint:        "127.0.0.1:4317",
		Insecure:        true,
		ServiceName:     "pushload",
		ServiceVersion:  "test",
		TracesEnabled:   true,
		TraceSampleRate: 1,
	}

	p, err := Init(context.Background(), cfg, "run-1")
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = p.Shutdown(ctx)
	})

	_, span := p.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	_, global := otel.Tracer("test").Start(context.Background(), "op")
	assert.True(t, global.SpanContext().IsValid())
	global.End()
}

func TestShutdownIsRepeatable(t *testing.T) {
	cfg := config.OTelConfig{
		Enabled:         true,
		Endpoint:        "127.0.0.1:4317",
		Insecure:        true,
		ServiceName:     "pushload",
		TracesEnabled:   true,
		TraceSampleRate: 0,
	}

	p, err := Init(context.Background(), cfg, "run-2")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Shutdown(ctx)
	assert.NoError(t, p.Shutdown(context.Background()))
}
