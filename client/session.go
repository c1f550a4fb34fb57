// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/pushload/protocol"
	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// inbound is one decoded frame handed from the read loop to receivers.
type inbound struct {
	msg protocol.Message
	err error
}

// Session is one control channel connection. A session is owned by a single
// scenario instance and must not be shared; Close may be called from any
// goroutine and any number of times.
type Session struct {
	conn    *websocket.Conn
	opts    *Options
	timeout time.Duration
	logger  *slog.Logger
	state   *stateManager
	onClose func()

	inbox chan inbound
	done  chan struct{} // closed when the read loop exits
	quit  chan struct{} // closed by Close

	errMu   sync.Mutex
	readErr error

	writeMu sync.Mutex

	chMu     sync.Mutex
	uaid     string
	channels map[string]struct{}
	pending  map[string]string // channelID -> version awaiting ack

	closeOnce sync.Once
	closeErr  error
}

func newSession(conn *websocket.Conn, opts *Options, timeout time.Duration, logger *slog.Logger, onClose func()) *Session {
	return &Session{
		conn:     conn,
		opts:     opts,
		timeout:  timeout,
		logger:   logger,
		state:    newStateManager(),
		onClose:  onClose,
		inbox:    make(chan inbound, opts.InboxSize),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
		channels: make(map[string]struct{}),
		pending:  make(map[string]string),
	}
}

// readLoop decodes frames until the connection fails or the session closes.
func (s *Session) readLoop() {
	defer close(s.done)

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.setReadErr(s.classifyReadErr(err))
			return
		}

		var in inbound
		if mt != websocket.TextMessage {
			in.err = fmt.Errorf("%w: unexpected binary frame", protocol.ErrProtocol)
		} else {
			in.msg, in.err = protocol.Decode(data)
		}

		select {
		case s.inbox <- in:
		case <-s.quit:
			return
		}
	}
}

func (s *Session) classifyReadErr(err error) error {
	if s.state.isClosed() {
		return fmt.Errorf("%w: %w", protocol.ErrConnection, ErrSessionClosed)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: closed by server: %v", protocol.ErrConnection, err)
	}
	return fmt.Errorf("%w: read: %v", protocol.ErrConnection, err)
}

func (s *Session) setReadErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.readErr == nil {
		s.readErr = err
	}
}

func (s *Session) readError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.readErr != nil {
		return s.readErr
	}
	return fmt.Errorf("%w: %w", protocol.ErrConnection, ErrSessionClosed)
}

// State returns the current session state.
func (s *Session) State() State {
	return s.state.get()
}

// UAID returns the agent id assigned by the hello reply, or "" before hello.
func (s *Session) UAID() string {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	return s.uaid
}

// Hello performs the handshake. An empty uaid asks the server to assign one;
// a non-empty uaid resumes that agent's server-side state. It blocks for
// exactly one reply, which must be a successful hello carrying a uaid.
func (s *Session) Hello(ctx context.Context, uaid string) (*protocol.Hello, error) {
	switch s.state.get() {
	case StateClosed:
		return nil, fmt.Errorf("%w: %w", protocol.ErrConnection, ErrSessionClosed)
	case StateReady:
		return nil, fmt.Errorf("%w: %w", protocol.ErrProtocol, ErrAlreadyGreeted)
	}

	if err := s.send(ctx, protocol.NewHello(uaid)); err != nil {
		return nil, err
	}

	msg, err := s.receive(ctx, s.timeout)
	if err != nil {
		return nil, err
	}
	reply, ok := msg.(*protocol.Hello)
	if !ok {
		return nil, fmt.Errorf("%w: %w: got %s while waiting for hello", protocol.ErrProtocol, ErrUnexpectedMessage, msg.Type())
	}
	if err := protocol.CheckStatus(protocol.TypeHello, reply.Status); err != nil {
		return nil, err
	}
	if reply.UAID == "" {
		return nil, fmt.Errorf("%w: %w", protocol.ErrProtocol, ErrMissingUAID)
	}

	if !s.state.transition(StateOpen, StateReady) {
		return nil, fmt.Errorf("%w: %w", protocol.ErrConnection, ErrSessionClosed)
	}

	s.chMu.Lock()
	s.uaid = reply.UAID
	s.chMu.Unlock()

	return reply, nil
}

// Register subscribes channelID and blocks for the reply carrying its push
// endpoint. Pings and broadcasts received meanwhile are skipped.
func (s *Session) Register(ctx context.Context, channelID string) (*protocol.Register, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	if err := s.send(ctx, protocol.NewRegister(channelID)); err != nil {
		return nil, err
	}

	deadline := newDeadline(s.timeout)
	defer deadline.stop()

	for {
		msg, err := s.receiveUntil(ctx, deadline)
		if err != nil {
			return nil, err
		}

		switch m := msg.(type) {
		case *protocol.Ping, *protocol.Broadcast:
			continue
		case *protocol.Register:
			if m.ChannelID != channelID {
				return nil, fmt.Errorf("%w: %w: want %s, got %s", protocol.ErrProtocol, ErrChannelMismatch, channelID, m.ChannelID)
			}
			if err := protocol.CheckStatus(protocol.TypeRegister, m.Status); err != nil {
				return nil, err
			}
			if m.PushEndpoint == "" {
				return nil, fmt.Errorf("%w: %w", protocol.ErrProtocol, ErrMissingEndpoint)
			}

			s.chMu.Lock()
			s.channels[channelID] = struct{}{}
			s.chMu.Unlock()
			return m, nil
		default:
			return nil, fmt.Errorf("%w: %w: got %s while waiting for register", protocol.ErrProtocol, ErrUnexpectedMessage, msg.Type())
		}
	}
}

// Resume declares channels registered on an earlier connection of the same
// UAID, so their stored notifications are accepted on this session.
func (s *Session) Resume(channelIDs ...string) {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	for _, id := range channelIDs {
		s.channels[id] = struct{}{}
	}
}

// Unregister drops channelID. No reply is awaited.
func (s *Session) Unregister(ctx context.Context, channelID string) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	if err := s.send(ctx, protocol.NewUnregister(channelID)); err != nil {
		return err
	}

	s.chMu.Lock()
	delete(s.channels, channelID)
	delete(s.pending, channelID)
	s.chMu.Unlock()
	return nil
}

// AwaitNotification blocks until one notification arrives and returns it with
// the time elapsed since the call. Other frames are skipped. The session
// receive timeout bounds the whole wait.
func (s *Session) AwaitNotification(ctx context.Context) (*protocol.Notification, time.Duration, error) {
	start := time.Now()

	deadline := newDeadline(s.timeout)
	defer deadline.stop()

	for {
		msg, err := s.receiveUntil(ctx, deadline)
		if err != nil {
			return nil, time.Since(start), err
		}

		n, ok := msg.(*protocol.Notification)
		if !ok {
			s.logger.Debug("control_frame_skipped", slog.String("type", string(msg.Type())))
			continue
		}

		if err := s.track(n); err != nil {
			return nil, time.Since(start), err
		}
		return n, time.Since(start), nil
	}
}

// track records n as awaiting an ack.
func (s *Session) track(n *protocol.Notification) error {
	s.chMu.Lock()
	defer s.chMu.Unlock()

	if _, ok := s.channels[n.ChannelID]; !ok {
		return fmt.Errorf("%w: %w: %s", protocol.ErrProtocol, ErrUnknownChannel, n.ChannelID)
	}
	s.pending[n.ChannelID] = n.Version
	return nil
}

// Ack acknowledges the last notification received for channelID, allowing the
// server to deliver the next queued one. An empty channelID sends a bare ack.
func (s *Session) Ack(ctx context.Context, channelID string) error {
	s.chMu.Lock()
	version := s.pending[channelID]
	delete(s.pending, channelID)
	s.chMu.Unlock()

	return s.send(ctx, protocol.NewAck(channelID, version))
}

// Pending returns the number of notifications received and not yet acked.
func (s *Session) Pending() int {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	return len(s.pending)
}

// Receive returns the next frame of any type, waiting at most wait. A zero
// wait falls back to the session receive timeout. Notifications returned here
// are tracked for Ack like those from AwaitNotification.
func (s *Session) Receive(ctx context.Context, wait time.Duration) (protocol.Message, error) {
	if wait <= 0 {
		wait = s.timeout
	}
	msg, err := s.receive(ctx, wait)
	if err != nil {
		return nil, err
	}
	if n, ok := msg.(*protocol.Notification); ok {
		s.chMu.Lock()
		s.pending[n.ChannelID] = n.Version
		s.chMu.Unlock()
	}
	return msg, nil
}

// Ping writes a WebSocket ping control frame.
func (s *Session) Ping(ctx context.Context) error {
	if s.state.isClosed() {
		return fmt.Errorf("%w: %w", protocol.ErrConnection, ErrSessionClosed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(s.opts.WriteTimeout)
	if err := s.conn.WriteControl(websocket.PingMessage, []byte(s.opts.PingPayload), deadline); err != nil {
		return fmt.Errorf("%w: ping: %v", protocol.ErrConnection, err)
	}
	return nil
}

// Close sends a close frame and releases the connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.set(StateClosed)
		close(s.quit)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		s.writeMu.Unlock()

		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
	return s.closeErr
}

func (s *Session) requireReady() error {
	if s.state.isReady() {
		return nil
	}
	if s.state.isClosed() {
		return fmt.Errorf("%w: %w", protocol.ErrConnection, ErrSessionClosed)
	}
	return fmt.Errorf("%w: %w", protocol.ErrProtocol, ErrHandshakeRequired)
}

func (s *Session) send(ctx context.Context, msg protocol.Message) error {
	if s.state.isClosed() {
		return fmt.Errorf("%w: %w", protocol.ErrConnection, ErrSessionClosed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.opts.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", protocol.ErrConnection, msg.Type(), err)
	}
	return nil
}

func (s *Session) receive(ctx context.Context, wait time.Duration) (protocol.Message, error) {
	deadline := newDeadline(wait)
	defer deadline.stop()
	return s.receiveUntil(ctx, deadline)
}

// receiveUntil returns the next inbound frame. Buffered frames are returned
// before a read error so nothing received before a close is lost.
func (s *Session) receiveUntil(ctx context.Context, d *deadline) (protocol.Message, error) {
	if s.state.isClosed() {
		return nil, fmt.Errorf("%w: %w", protocol.ErrConnection, ErrSessionClosed)
	}

	select {
	case in := <-s.inbox:
		return in.msg, in.err
	default:
	}

	select {
	case in := <-s.inbox:
		return in.msg, in.err
	case <-s.done:
		select {
		case in := <-s.inbox:
			return in.msg, in.err
		default:
		}
		return nil, s.readError()
	case <-d.c:
		return nil, fmt.Errorf("%w: no message within %s", protocol.ErrTimeout, d.wait)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deadline is an optional timer; a zero wait never fires.
type deadline struct {
	wait  time.Duration
	timer *time.Timer
	c     <-chan time.Time
}

func newDeadline(wait time.Duration) *deadline {
	d := &deadline{wait: wait}
	if wait > 0 {
		d.timer = time.NewTimer(wait)
		d.c = d.timer.C
	}
	return d
}

func (d *deadline) stop() {
	if d.timer != nil {
		d.timer.Stop()
	}
}
