// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package delivery submits push messages to endpoint URLs over HTTP.
package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/pushload/metrics"
	"github.com/absmach/pushload/protocol"
	"golang.org/x/time/rate"
)

// Delivery defaults.
const (
	DefaultTimeout  = 30 * time.Second
	DefaultTTL      = 60
	DefaultEncoding = "aes128gcm"
)

// ErrInvalidPayload is returned for payloads that are not base64url.
var ErrInvalidPayload = errors.New("payload is not base64url")

// Options configures a Client.
type Options struct {
	Timeout  time.Duration
	TTL      int
	Encoding string
	// RateLimit caps submissions per second across all callers. Zero
	// disables limiting.
	RateLimit    float64
	Burst        int
	MaxIdleConns int
	TLSConfig    *tls.Config
}

// Request is one submission.
type Request struct {
	Scenario string
	// Name labels the metric event. Defaults to "submit".
	Name string
	URL  string
	// Payload is the base64url ciphertext; the decoded bytes are sent.
	Payload string
	// TTL overrides Options.TTL when positive.
	TTL   int
	Topic string
	// Expect is the status counted as success. Zero means 201 Created.
	Expect int
}

// Result is the outcome of a submission that reached the server.
type Result struct {
	Status  int
	Elapsed time.Duration
}

// Expect returns an assertion error when the status differs from status.
func (r Result) Expect(status int) error {
	if r.Status == status {
		return nil
	}
	return fmt.Errorf("%w: status code was %d, expected %d", protocol.ErrAssertion, r.Status, status)
}

// Client is safe for concurrent use.
type Client struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	sink    metrics.Sink
	logger  *slog.Logger
}

// New creates a Client recording one delivery event per submission to sink.
func New(opts Options, sink metrics.Sink, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Encoding == "" {
		opts.Encoding = DefaultEncoding
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 100
	}
	if sink == nil {
		sink = metrics.Nop
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = opts.MaxIdleConns
	transport.MaxIdleConnsPerHost = opts.MaxIdleConns
	if opts.TLSConfig != nil {
		transport.TLSClientConfig = opts.TLSConfig
	}

	c := &Client{
		opts:   opts,
		http:   &http.Client{Timeout: opts.Timeout, Transport: transport},
		sink:   sink,
		logger: logger,
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return c
}

// Submit performs one POST with no retries. A transport failure returns
// protocol.ErrConnection; a status other than req.Expect returns the Result
// with protocol.ErrAssertion. Both errors are already recorded in the sink.
// Cancellation of ctx returns ctx.Err() and records nothing.
func (c *Client) Submit(ctx context.Context, req Request) (Result, error) {
	expect := req.Expect
	if expect == 0 {
		expect = http.StatusCreated
	}
	name := req.Name
	if name == "" {
		name = "submit"
	}

	body, err := DecodePayload(req.Payload)
	if err != nil {
		return Result{}, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{}, fmt.Errorf("rate limiter: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: invalid endpoint %q: %v", protocol.ErrProtocol, req.URL, err)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = c.opts.TTL
	}
	httpReq.Header.Set("TTL", strconv.Itoa(ttl))
	httpReq.Header.Set("Content-Encoding", c.opts.Encoding)
	if req.Topic != "" {
		httpReq.Header.Set("Topic", req.Topic)
	}

	ev := metrics.NewEvent(metrics.KindDelivery, req.Scenario, name, time.Now(), time.Time{})
	ev.Size = len(body)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		ev.End = time.Now()
		ev.Err = fmt.Errorf("%w: POST %s: %v", protocol.ErrConnection, req.URL, err)
		c.sink.Record(ev)
		return Result{}, metrics.MarkRecorded(ev.Err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	ev.End = time.Now()
	res := Result{Status: resp.StatusCode, Elapsed: ev.Elapsed()}
	ev.Err = res.Expect(expect)
	c.sink.Record(ev)

	c.logger.Debug("delivery_submitted",
		slog.String("scenario", req.Scenario),
		slog.Int("status", res.Status),
		slog.Duration("elapsed", res.Elapsed))

	return res, metrics.MarkRecorded(ev.Err)
}

// DecodePayload decodes base64url with or without padding.
func DecodePayload(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}

// SamePayload reports whether two base64url strings carry the same bytes,
// ignoring padding.
func SamePayload(a, b string) bool {
	x, err := DecodePayload(a)
	if err != nil {
		return false
	}
	y, err := DecodePayload(b)
	if err != nil {
		return false
	}
	return bytes.Equal(x, y)
}
