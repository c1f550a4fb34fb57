// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/pushload/config"
)

type mockSource struct {
	ready bool
	stats map[string]int
}

func (m *mockSource) Ready() bool   { return m.ready }
func (m *mockSource) Snapshot() any { return m.stats }

func TestAddrWithoutListener(t *testing.T) {
	server := New(config.HealthConfig{}, nil, slog.Default())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(config.HealthConfig{}, nil, slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{
			name:           "GET request returns healthy",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "POST request not allowed",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}

			var response HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != "healthy" {
				t.Errorf("expected status %q, got %q", "healthy", response.Status)
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		source         Source
		expectedStatus int
		expectedReady  string
	}{
		{
			name:           "no source",
			source:         nil,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  "not_ready",
		},
		{
			name:           "idle run",
			source:         &mockSource{},
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  "not_ready",
		},
		{
			name:           "running",
			source:         &mockSource{ready: true},
			expectedStatus: http.StatusOK,
			expectedReady:  "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(config.HealthConfig{}, tt.source, nil)
			rec := httptest.NewRecorder()
			server.handleReady(rec, httptest.NewRequest(http.MethodGet, "http://test/ready", nil))

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			var response ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != tt.expectedReady {
				t.Errorf("expected status %q, got %q", tt.expectedReady, response.Status)
			}
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	src := &mockSource{ready: true, stats: map[string]int{"started": 4, "failed": 1}}
	server := New(config.HealthConfig{}, src, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://test/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	var got map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got["started"] != 4 || got["failed"] != 1 {
		t.Errorf("unexpected stats %v", got)
	}
}

func TestListenAndShutdown(t *testing.T) {
	server := New(config.HealthConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, &mockSource{ready: true}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Listen(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if server.Addr() == "" {
		t.Fatal("server did not start listening")
	}

	resp, err := http.Get("http://" + server.Addr() + "/ready")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listen returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
