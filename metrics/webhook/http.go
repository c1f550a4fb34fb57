// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxReasonBytes bounds how much of a rejected response body is kept.
const maxReasonBytes = 256

// StatusError is returned when the aggregator answers with a non-2xx status.
type StatusError struct {
	Status int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("aggregator returned status %d", e.Status)
	}
	return fmt.Sprintf("aggregator returned status %d: %s", e.Status, e.Reason)
}

// Permanent reports whether resending the same event cannot succeed. Client
// errors are permanent except request timeout and rate limiting.
func (e *StatusError) Permanent() bool {
	if e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests {
		return false
	}
	return e.Status >= 400 && e.Status < 500
}

// HTTPSender posts event envelopes to the aggregator.
type HTTPSender struct {
	client    *http.Client
	userAgent string
}

// NewHTTPSender creates a sender on c, or on a client with pooled keep-alive
// connections when c is nil.
func NewHTTPSender(c *http.Client) *HTTPSender {
	if c == nil {
		c = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTPSender{client: c, userAgent: "pushload-events/1.0"}
}

// Send posts payload as JSON. A non-2xx answer returns a *StatusError
// carrying the start of the response body.
func (s *HTTPSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to aggregator: %w", err)
	}
	defer resp.Body.Close()

	reason, _ := io.ReadAll(io.LimitReader(resp.Body, maxReasonBytes))
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Status: resp.StatusCode, Reason: strings.TrimSpace(string(reason))}
}
