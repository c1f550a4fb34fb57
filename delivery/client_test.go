// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/absmach/pushload/metrics"
	"github.com/absmach/pushload/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  [][]byte
}

func (c *captured) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.headers = append(c.headers, r.Header.Clone())
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestSubmitHeadersAndBody(t *testing.T) {
	var rec captured
	srv := httptest.NewServer(rec.handler(http.StatusCreated))
	defer srv.Close()

	sink := metrics.NewCollector(true)
	c := New(Options{}, sink, nil)

	res, err := c.Submit(context.Background(), Request{
		Scenario: "basic_topic",
		URL:      srv.URL + "/wpush/v1/abc",
		Payload:  "aLongStringOfEncryptedThings",
		Topic:    "aaaa",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.Status)

	require.Len(t, rec.headers, 1)
	h := rec.headers[0]
	assert.Equal(t, "60", h.Get("TTL"))
	assert.Equal(t, "aes128gcm", h.Get("Content-Encoding"))
	assert.Equal(t, "aaaa", h.Get("Topic"))

	want, err := DecodePayload("aLongStringOfEncryptedThings")
	require.NoError(t, err)
	assert.Equal(t, want, rec.bodies[0])

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, metrics.KindDelivery, events[0].Kind)
	assert.Equal(t, "basic_topic", events[0].Scenario)
	assert.Equal(t, "submit", events[0].Name)
	assert.Equal(t, len(want), events[0].Size)
	assert.False(t, events[0].Failed())
}

func TestSubmitOmitsEmptyTopic(t *testing.T) {
	var rec captured
	srv := httptest.NewServer(rec.handler(http.StatusCreated))
	defer srv.Close()

	c := New(Options{TTL: 30}, nil, nil)
	_, err := c.Submit(context.Background(), Request{URL: srv.URL, Payload: "YWJj"})
	require.NoError(t, err)

	_, ok := rec.headers[0]["Topic"]
	assert.False(t, ok)
	assert.Equal(t, "30", rec.headers[0].Get("TTL"))
}

func TestSubmitUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	sink := metrics.NewCollector(true)
	c := New(Options{}, sink, nil)

	res, err := c.Submit(context.Background(), Request{Scenario: "basic", URL: srv.URL, Payload: "YWJj"})
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrAssertion)
	assert.True(t, metrics.IsRecorded(err))
	assert.Equal(t, http.StatusGone, res.Status)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.KindAssertion, events[0].ErrorKind())
}

func TestSubmitExpectGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	sink := metrics.NewCollector(true)
	c := New(Options{}, sink, nil)

	res, err := c.Submit(context.Background(), Request{URL: srv.URL, Payload: "YWJj", Expect: http.StatusGone})
	require.NoError(t, err)
	assert.Equal(t, http.StatusGone, res.Status)
	assert.False(t, sink.Events()[0].Failed())
}

func TestSubmitConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sink := metrics.NewCollector(true)
	c := New(Options{Timeout: time.Second}, sink, nil)

	_, err := c.Submit(context.Background(), Request{URL: url, Payload: "YWJj"})
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrConnection)
	require.Len(t, sink.Events(), 1)
	assert.Equal(t, protocol.KindConnection, sink.Events()[0].ErrorKind())
}

func TestSubmitCanceled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	sink := metrics.NewCollector(true)
	c := New(Options{}, sink, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Submit(ctx, Request{URL: srv.URL, Payload: "YWJj"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, sink.Events())
}

func TestSubmitInvalidPayload(t *testing.T) {
	c := New(Options{}, nil, nil)
	_, err := c.Submit(context.Background(), Request{URL: "http://127.0.0.1:1", Payload: "not base64!"})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestSubmitRateLimited(t *testing.T) {
	var rec captured
	srv := httptest.NewServer(rec.handler(http.StatusCreated))
	defer srv.Close()

	c := New(Options{RateLimit: 20, Burst: 1}, nil, nil)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Submit(context.Background(), Request{URL: srv.URL, Payload: "YWJj"})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestDecodePayload(t *testing.T) {
	padded, err := DecodePayload("YWI=")
	require.NoError(t, err)
	raw, err := DecodePayload("YWI")
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), padded)
	assert.Equal(t, padded, raw)

	assert.True(t, SamePayload("YWI=", "YWI"))
	assert.False(t, SamePayload("YWI", "YWM"))
	assert.False(t, SamePayload("!!", "!!"))
}

func TestResultExpect(t *testing.T) {
	assert.NoError(t, Result{Status: 201}.Expect(201))
	err := Result{Status: 500}.Expect(201)
	assert.ErrorIs(t, err, protocol.ErrAssertion)
	assert.Contains(t, err.Error(), "500")
}
