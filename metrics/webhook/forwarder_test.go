// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/pushload/config"
	"github.com/absmach/pushload/metrics"
)

type mockSender struct {
	mu          sync.Mutex
	sendCount   int32
	sendFunc    func(ctx context.Context, url string) error
	lastURL     string
	lastHeaders map[string]string
	lastPayload []byte
}

func newMockSender() *mockSender {
	return &mockSender{
		sendFunc: func(context.Context, string) error { return nil },
	}
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	atomic.AddInt32(&m.sendCount, 1)
	m.mu.Lock()
	m.lastURL = url
	m.lastHeaders = headers
	m.lastPayload = payload
	m.mu.Unlock()
	return m.sendFunc(ctx, url)
}

func (m *mockSender) getSendCount() int {
	return int(atomic.LoadInt32(&m.sendCount))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.WebhookConfig {
	return config.WebhookConfig{
		Enabled:         true,
		URL:             "http://aggregator.local/events",
		Headers:         map[string]string{"Authorization": "Bearer token"},
		QueueSize:       100,
		DropPolicy:      metrics.DropOldest,
		Workers:         2,
		Timeout:         time.Second,
		ShutdownTimeout: time.Second,
		Retry: config.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
			Multiplier:      2.0,
		},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     time.Minute,
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func testEvent() metrics.Event {
	now := time.Now()
	return metrics.NewEvent(metrics.KindControl, "basic", "notification", now, now.Add(time.Millisecond))
}

func TestNewForwarderValidates(t *testing.T) {
	if _, err := NewForwarder(testConfig(), "run-1", nil, nil); err == nil {
		t.Error("expected error for nil sender")
	}

	cfg := testConfig()
	cfg.URL = ""
	if _, err := NewForwarder(cfg, "run-1", newMockSender(), nil); err == nil {
		t.Error("expected error for empty url")
	}
}

func TestForwarderDelivers(t *testing.T) {
	sender := newMockSender()
	f, err := NewForwarder(testConfig(), "run-1", sender, quietLogger())
	if err != nil {
		t.Fatalf("failed to create forwarder: %v", err)
	}
	defer f.Close()

	e := testEvent()
	f.Record(e)
	waitFor(t, func() bool { return f.Delivered() == 1 })

	sender.mu.Lock()
	defer sender.mu.Unlock()

	if sender.lastURL != "http://aggregator.local/events" {
		t.Errorf("unexpected url %q", sender.lastURL)
	}
	if sender.lastHeaders["Authorization"] != "Bearer token" {
		t.Errorf("missing authorization header")
	}

	var env struct {
		EventType string         `json:"event_type"`
		EventID   string         `json:"event_id"`
		Source    string         `json:"source"`
		Data      metrics.Record `json:"data"`
	}
	if err := json.Unmarshal(sender.lastPayload, &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if env.EventType != EventType || env.EventID != e.ID || env.Source != "run-1" {
		t.Errorf("unexpected envelope %+v", env)
	}
	if env.Data.Scenario != "basic" || env.Data.Name != "notification" {
		t.Errorf("unexpected data %+v", env.Data)
	}
}

func TestForwarderRetries(t *testing.T) {
	sender := newMockSender()
	var calls atomic.Int32
	sender.sendFunc = func(context.Context, string) error {
		if calls.Add(1) < 3 {
			return errors.New("unavailable")
		}
		return nil
	}

	f, err := NewForwarder(testConfig(), "run-1", sender, quietLogger())
	if err != nil {
		t.Fatalf("failed to create forwarder: %v", err)
	}
	defer f.Close()

	f.Record(testEvent())
	waitFor(t, func() bool { return f.Delivered() == 1 })

	if got := sender.getSendCount(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if f.Failed() != 0 {
		t.Errorf("expected no failures, got %d", f.Failed())
	}
}

func TestForwarderGivesUp(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string) error { return errors.New("down") }

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2
	f, err := NewForwarder(cfg, "run-1", sender, quietLogger())
	if err != nil {
		t.Fatalf("failed to create forwarder: %v", err)
	}
	defer f.Close()

	f.Record(testEvent())
	waitFor(t, func() bool { return f.Failed() == 1 })

	if got := sender.getSendCount(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestForwarderSkipsRetryOnPermanentRejection(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string) error {
		return &StatusError{Status: 400, Reason: "bad envelope"}
	}

	f, err := NewForwarder(testConfig(), "run-1", sender, quietLogger())
	if err != nil {
		t.Fatalf("failed to create forwarder: %v", err)
	}
	defer f.Close()

	f.Record(testEvent())
	waitFor(t, func() bool { return f.Failed() == 1 })

	if got := sender.getSendCount(); got != 1 {
		t.Errorf("expected 1 attempt for a permanent rejection, got %d", got)
	}
}

func TestForwarderRetriesRateLimited(t *testing.T) {
	sender := newMockSender()
	var calls atomic.Int32
	sender.sendFunc = func(context.Context, string) error {
		if calls.Add(1) == 1 {
			return &StatusError{Status: 429}
		}
		return nil
	}

	f, err := NewForwarder(testConfig(), "run-1", sender, quietLogger())
	if err != nil {
		t.Fatalf("failed to create forwarder: %v", err)
	}
	defer f.Close()

	f.Record(testEvent())
	waitFor(t, func() bool { return f.Delivered() == 1 })

	if got := sender.getSendCount(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestForwarderCircuitBreakerOpens(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string) error { return errors.New("down") }

	cfg := testConfig()
	cfg.Workers = 1
	cfg.Retry.MaxAttempts = 1
	cfg.CircuitBreaker.FailureThreshold = 2
	f, err := NewForwarder(cfg, "run-1", sender, quietLogger())
	if err != nil {
		t.Fatalf("failed to create forwarder: %v", err)
	}
	defer f.Close()

	for i := 0; i < 5; i++ {
		f.Record(testEvent())
	}
	waitFor(t, func() bool { return f.Failed() == 5 })

	if got := sender.getSendCount(); got != 2 {
		t.Errorf("expected the breaker to stop sends after 2 failures, got %d sends", got)
	}
}

func TestForwarderCloseWaitsForInFlightSend(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(ctx context.Context, _ string) error {
		select {
		case <-time.After(100 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	cfg := testConfig()
	cfg.Workers = 1
	f, err := NewForwarder(cfg, "run-1", sender, quietLogger())
	if err != nil {
		t.Fatalf("failed to create forwarder: %v", err)
	}

	f.Record(testEvent())
	time.Sleep(10 * time.Millisecond)
	if err := f.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if f.Delivered() != 1 {
		t.Errorf("expected the in-flight event to be delivered, got delivered=%d failed=%d dropped=%d",
			f.Delivered(), f.Failed(), f.Dropped())
	}
}

func TestForwarderCloseWaitsForRetry(t *testing.T) {
	sender := newMockSender()
	var calls atomic.Int32
	sender.sendFunc = func(context.Context, string) error {
		if calls.Add(1) == 1 {
			return errors.New("unavailable")
		}
		return nil
	}

	cfg := testConfig()
	cfg.Retry.InitialInterval = 50 * time.Millisecond
	f, err := NewForwarder(cfg, "run-1", sender, quietLogger())
	if err != nil {
		t.Fatalf("failed to create forwarder: %v", err)
	}

	f.Record(testEvent())
	waitFor(t, func() bool { return sender.getSendCount() == 1 })
	if err := f.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if f.Delivered() != 1 {
		t.Errorf("expected the retried event to be delivered, got delivered=%d failed=%d",
			f.Delivered(), f.Failed())
	}
}

func TestForwarderDropsWhenClosed(t *testing.T) {
	f, err := NewForwarder(testConfig(), "run-1", newMockSender(), quietLogger())
	if err != nil {
		t.Fatalf("failed to create forwarder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	f.Record(testEvent())
	if f.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", f.Dropped())
	}
}

func TestRetryDelay(t *testing.T) {
	cfg := config.RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     300 * time.Millisecond,
		Multiplier:      2,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{8, 300 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := retryDelay(tc.attempt, cfg); got != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}
