// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/absmach/pushload/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func event(scenario, name string, err error) Event {
	start := time.Now()
	e := NewEvent(KindControl, scenario, name, start, start.Add(5*time.Millisecond))
	e.Size = 12
	e.Err = err
	return e
}

func TestMarkRecorded(t *testing.T) {
	assert.NoError(t, MarkRecorded(nil))

	base := fmt.Errorf("%w: status 500", protocol.ErrAssertion)
	err := MarkRecorded(base)
	assert.True(t, IsRecorded(err))
	assert.ErrorIs(t, err, protocol.ErrAssertion)
	assert.Equal(t, base.Error(), err.Error())
	assert.Same(t, err, MarkRecorded(err))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, IsRecorded(wrapped))
	assert.False(t, IsRecorded(base))
}

func TestEventJSON(t *testing.T) {
	e := event("basic", "notification", fmt.Errorf("%w: late", protocol.ErrTimeout))

	var buf bytes.Buffer
	s := NewJSONLSink(&buf, nil)
	s.Record(e)
	require.NoError(t, s.Close())

	recs, err := ReadJSONL(&buf, false)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	r := recs[0]
	assert.Equal(t, e.ID, r.ID)
	assert.Equal(t, KindControl, r.Kind)
	assert.Equal(t, "basic", r.Scenario)
	assert.Equal(t, "notification", r.Name)
	assert.InDelta(t, 5.0, r.ElapsedMS, 0.001)
	assert.Equal(t, 12, r.Size)
	assert.Equal(t, protocol.KindTimeout, r.ErrorKind)
	assert.Contains(t, r.Error, "late")
	assert.True(t, r.Start.Equal(e.Start))
}

func TestJSONLCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl.zst")

	s, err := OpenJSONL(path, nil)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		s.Record(event("connect", "hello", nil))
	}
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	recs, err := ReadJSONL(f, true)
	require.NoError(t, err)
	assert.Len(t, recs, 50)
	assert.Empty(t, recs[0].ErrorKind)
}

func TestCollectorStats(t *testing.T) {
	c := NewCollector(true)
	c.Record(event("basic", "notification", nil))
	c.Record(event("basic", "submit", fmt.Errorf("%w: 500", protocol.ErrAssertion)))
	c.Record(event("connect", "hello", nil))

	assert.Equal(t, 3, c.Count())
	assert.Equal(t, []string{"basic", "connect"}, c.Scenarios())

	st := c.Stats()
	assert.Equal(t, 2, st["basic"].Events)
	assert.Equal(t, 1, st["basic"].Failures)
	assert.Equal(t, 1, st["basic"].Errors[protocol.KindAssertion])
	assert.Equal(t, 2, st["basic"].ByKind[KindControl])
	assert.Equal(t, 10*time.Millisecond, st["basic"].Elapsed)
	assert.Equal(t, 5*time.Millisecond, st["basic"].MaxSpan)

	fails := c.Filter(func(e Event) bool { return e.Failed() })
	require.Len(t, fails, 1)
	assert.Equal(t, "submit", fails[0].Name)

	// Stats returns copies.
	st["basic"].Errors["x"] = 1
	assert.NotContains(t, c.Stats()["basic"].Errors, "x")

	c.Reset()
	assert.Zero(t, c.Count())
	assert.Empty(t, c.Events())
}

func TestCollectorWithoutEvents(t *testing.T) {
	c := NewCollector(false)
	c.Record(event("basic", "notification", nil))
	assert.Equal(t, 1, c.Count())
	assert.Empty(t, c.Events())
}

type closingSink struct {
	*Collector
	err    error
	closed bool
}

func (s *closingSink) Close() error {
	s.closed = true
	return s.err
}

func TestFanout(t *testing.T) {
	a := &closingSink{Collector: NewCollector(true)}
	b := &closingSink{Collector: NewCollector(true), err: errors.New("boom")}
	var calls int
	f := Fanout{a, b, SinkFunc(func(Event) { calls++ }), Nop}

	f.Record(event("basic", "notification", nil))
	assert.Equal(t, 1, a.Count())
	assert.Equal(t, 1, b.Count())
	assert.Equal(t, 1, calls)

	err := f.Close()
	assert.EqualError(t, err, "boom")
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestRecorderForwardsAll(t *testing.T) {
	c := NewCollector(false)
	r, err := NewRecorder(c, 16, "", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Record(event("basic", "notification", nil))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, r.Close())

	assert.Equal(t, int64(c.Count()), r.Recorded())
	assert.Equal(t, int64(400), r.Recorded()+r.Dropped())

	r.Record(event("basic", "late", nil))
	assert.Equal(t, int64(401), r.Recorded()+r.Dropped())
	require.NoError(t, r.Close())
}

func TestRecorderDropPolicies(t *testing.T) {
	for _, policy := range []string{DropOldest, DropNewest} {
		t.Run(policy, func(t *testing.T) {
			release := make(chan struct{})
			started := make(chan struct{}, 1)
			var mu sync.Mutex
			var got []string
			block := SinkFunc(func(e Event) {
				select {
				case started <- struct{}{}:
				default:
				}
				<-release
				mu.Lock()
				got = append(got, e.Name)
				mu.Unlock()
			})

			r, err := NewRecorder(block, 1, policy, nil)
			require.NoError(t, err)

			r.Record(event("s", "first", nil))
			<-started
			r.Record(event("s", "second", nil))
			r.Record(event("s", "third", nil))
			close(release)
			require.NoError(t, r.Close())

			assert.Equal(t, int64(1), r.Dropped())
			if policy == DropOldest {
				assert.Equal(t, []string{"first", "third"}, got)
			} else {
				assert.Equal(t, []string{"first", "second"}, got)
			}
		})
	}
}

func TestRecorderBlockKeepsFailures(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var mu sync.Mutex
	var got []Event
	slow := SinkFunc(func(e Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	r, err := NewRecorder(slow, 1, Block, nil)
	require.NoError(t, err)

	r.Record(event("s", "first", nil))
	<-started
	r.Record(event("s", "second", nil))

	returned := make(chan struct{})
	go func() {
		r.Record(event("s", "third", fmt.Errorf("%w: eof", protocol.ErrConnection)))
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("record should wait for queue space")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-returned
	require.NoError(t, r.Close())

	assert.Equal(t, int64(0), r.Dropped())
	require.Len(t, got, 3)
	assert.Equal(t, "third", got[2].Name)
	assert.True(t, got[2].Failed())
}

func TestRecorderRejectsConfig(t *testing.T) {
	_, err := NewRecorder(nil, 1, "", nil)
	assert.Error(t, err)
	_, err = NewRecorder(Nop, 1, "random", nil)
	assert.Error(t, err)
}

func TestOTelSink(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	s, err := NewOTelSink(provider.Meter(MeterName))
	require.NoError(t, err)

	s.Record(event("basic", "notification", nil))
	s.Record(event("basic", "notification", fmt.Errorf("%w: eof", protocol.ErrConnection)))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := make(map[string]metricdata.Metrics)
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}

	events, ok := byName["pushload.events.total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, events.DataPoints, 1)
	assert.Equal(t, int64(2), events.DataPoints[0].Value)

	failures, ok := byName["pushload.failures.total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, failures.DataPoints, 1)
	assert.Equal(t, int64(1), failures.DataPoints[0].Value)
	kind, ok := failures.DataPoints[0].Attributes.Value("error.kind")
	require.True(t, ok)
	assert.Equal(t, protocol.KindConnection, kind.AsString())

	duration, ok := byName["pushload.event.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, duration.DataPoints, 1)
	assert.Equal(t, uint64(2), duration.DataPoints[0].Count)

	assert.Contains(t, byName, "pushload.event.size")
}
