// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements the push control channel: a WebSocket session
// carrying hello, register, notification, ack and unregister messages.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/absmach/pushload/protocol"
	"github.com/gorilla/websocket"
)

// Dialer opens control channel sessions. It is safe for concurrent use and is
// normally shared by every scenario instance of a run; the sessions it returns
// are not.
type Dialer struct {
	opts   *Options
	ws     *websocket.Dialer
	logger *slog.Logger

	active atomic.Int64
	opened atomic.Int64
	failed atomic.Int64
}

// NewDialer validates opts and creates a Dialer.
func NewDialer(opts *Options, logger *slog.Logger) (*Dialer, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	ws := &websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  opts.HandshakeTimeout,
		EnableCompression: opts.Compression,
	}
	if opts.secure() {
		ws.TLSClientConfig = opts.TLSConfig
	}

	return &Dialer{
		opts:   opts,
		ws:     ws,
		logger: logger,
	}, nil
}

// Dial opens a new session. receiveTimeout bounds every blocking receive on the
// session; zero blocks until a frame arrives or ctx is done.
func (d *Dialer) Dial(ctx context.Context, receiveTimeout time.Duration) (*Session, error) {
	header := http.Header{}
	for k, v := range d.opts.Header {
		header[k] = append([]string(nil), v...)
	}
	if d.opts.Origin != "" {
		header.Set("Origin", d.opts.Origin)
	}

	conn, resp, err := d.ws.DialContext(ctx, d.opts.URL, header)
	if err != nil {
		d.failed.Add(1)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %v (status %d)", protocol.ErrConnection, d.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", protocol.ErrConnection, d.opts.URL, err)
	}

	d.active.Add(1)
	d.opened.Add(1)

	s := newSession(conn, d.opts, receiveTimeout, d.logger, func() { d.active.Add(-1) })
	go s.readLoop()

	d.logger.Debug("control_session_opened",
		slog.String("url", d.opts.URL),
		slog.Duration("receive_timeout", receiveTimeout))

	return s, nil
}

// Active returns the number of sessions opened and not yet closed.
func (d *Dialer) Active() int64 {
	return d.active.Load()
}

// Opened returns the number of sessions opened since creation.
func (d *Dialer) Opened() int64 {
	return d.opened.Load()
}

// Failed returns the number of failed dial attempts.
func (d *Dialer) Failed() int64 {
	return d.failed.Load()
}
