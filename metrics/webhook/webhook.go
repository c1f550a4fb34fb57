// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook forwards metric events to an external aggregator over HTTP.
package webhook

import (
	"context"
	"time"
)

// EventType is the envelope type of forwarded metric events.
const EventType = "pushload.event"

// Sender is the transport-specific sender interface.
type Sender interface {
	// Send delivers payload to url. Returns an error if the send fails.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}

// Envelope wraps each forwarded event with delivery metadata.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	Data      any    `json:"data"`
}
