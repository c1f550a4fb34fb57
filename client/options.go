// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Default values.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultInboxSize        = 64
	DefaultOrigin           = "http://localhost:1337"
	DefaultPingPayload      = "hello"
)

// Options configures the control channel dialer.
type Options struct {
	URL              string        // ws:// or wss:// control channel URL
	Origin           string        // Origin header sent on the upgrade request
	Header           http.Header   // Extra upgrade request headers
	TLSConfig        *tls.Config   // TLS configuration for wss:// (nil uses defaults)
	HandshakeTimeout time.Duration // Bound on the WebSocket upgrade
	WriteTimeout     time.Duration // Bound on each frame write
	InboxSize        int           // Frames buffered between the read loop and receivers
	PingPayload      string        // Payload of WebSocket ping control frames
	Compression      bool          // Negotiate permessage-deflate
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Origin:           DefaultOrigin,
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		InboxSize:        DefaultInboxSize,
		PingPayload:      DefaultPingPayload,
	}
}

// SetURL sets the control channel URL.
func (o *Options) SetURL(u string) *Options {
	o.URL = u
	return o
}

// SetOrigin sets the Origin header.
func (o *Options) SetOrigin(origin string) *Options {
	o.Origin = origin
	return o
}

// SetTLSConfig sets TLS configuration used for wss:// URLs.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetHandshakeTimeout sets the upgrade timeout.
func (o *Options) SetHandshakeTimeout(d time.Duration) *Options {
	o.HandshakeTimeout = d
	return o
}

// SetWriteTimeout sets the per-frame write timeout.
func (o *Options) SetWriteTimeout(d time.Duration) *Options {
	o.WriteTimeout = d
	return o
}

// SetInboxSize sets the number of buffered inbound frames.
func (o *Options) SetInboxSize(n int) *Options {
	o.InboxSize = n
	return o
}

// SetCompression enables permessage-deflate negotiation.
func (o *Options) SetCompression(enabled bool) *Options {
	o.Compression = enabled
	return o
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if o.URL == "" {
		return ErrNoURL
	}
	u, err := url.Parse(o.URL)
	if err != nil {
		return fmt.Errorf("invalid control channel URL %q: %w", o.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return ErrInvalidScheme
	}
	if o.InboxSize <= 0 {
		return ErrInvalidInbox
	}
	return nil
}

// secure reports whether the URL asks for TLS.
func (o *Options) secure() bool {
	u, err := url.Parse(o.URL)
	return err == nil && u.Scheme == "wss"
}
