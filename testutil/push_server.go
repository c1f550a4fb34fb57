// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides an in-process push service speaking the control
// and delivery protocols, for tests of the harness.
package testutil

import (
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/pushload/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EndpointPath is the path prefix of push endpoints issued by PushServer.
const EndpointPath = "/wpush/v1/"

// Submission is one delivery request observed by PushServer.
type Submission struct {
	Token    string
	TTL      string
	Encoding string
	Topic    string
	Body     []byte
	Status   int
}

type stored struct {
	version string
	data    string
	topic   string
	ttl     int
	enc     string
}

type channel struct {
	id       string
	token    string
	agent    *agent
	queue    []*stored
	inflight *stored
}

type agent struct {
	uaid     string
	conn     *pushConn
	channels map[string]*channel
}

type pushConn struct {
	ws    *websocket.Conn
	mu    sync.Mutex
	agent *agent
}

func (c *pushConn) write(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.writeRaw(data)
}

func (c *pushConn) writeRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// PushServer is a fake push service. Each channel holds at most one
// notification in flight until it is acked; the rest are stored and flushed
// on the next hello of the owning UAID.
type PushServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu          sync.Mutex
	agents      map[string]*agent
	tokens      map[string]*channel
	conns       map[*pushConn]struct{}
	origins     []string
	submissions []Submission
	opened      int
	deliver     bool
	replace     bool
	helloStatus int
	postStatus  int
}

// NewPushServer starts a PushServer closed on test cleanup.
func NewPushServer(t *testing.T) *PushServer {
	t.Helper()

	s := &PushServer{
		logger:  slog.Default(),
		agents:  make(map[string]*agent),
		tokens:  make(map[string]*channel),
		conns:   make(map[*pushConn]struct{}),
		deliver: true,
		replace: true,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(EndpointPath, s.handleDelivery)
	mux.HandleFunc("/", s.handleWebSocket)

	s.server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

// WebSocketURL returns the control channel URL.
func (s *PushServer) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/"
}

// URL returns the base HTTP URL of the delivery side.
func (s *PushServer) URL() string {
	return s.server.URL
}

// Close drops every connection and stops the server.
func (s *PushServer) Close() {
	s.DropConnections()
	s.server.Close()
}

// SetDelivery enables or disables pushing notifications to connected
// clients. Disabled delivery still accepts and stores submissions.
func (s *PushServer) SetDelivery(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliver = enabled
	if enabled {
		for _, a := range s.agents {
			s.flushLocked(a)
		}
	}
}

// SetTopicReplace enables or disables replacing a stored notification by a
// later one with the same topic. Disabled, topic messages queue like any other.
func (s *PushServer) SetTopicReplace(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replace = enabled
}

// SetHelloStatus overrides the status carried by hello replies. Zero restores
// the default.
func (s *PushServer) SetHelloStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.helloStatus = status
}

// SetDeliveryStatus forces the HTTP status of every subsequent submission to
// a known endpoint. Zero restores normal behaviour.
func (s *PushServer) SetDeliveryStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postStatus = status
}

// DropConnections closes every control connection without a close frame.
func (s *PushServer) DropConnections() {
	s.mu.Lock()
	conns := make([]*pushConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// SendRaw writes frame to the connection currently held by uaid.
func (s *PushServer) SendRaw(uaid, frame string) bool {
	s.mu.Lock()
	a, ok := s.agents[uaid]
	var conn *pushConn
	if ok {
		conn = a.conn
	}
	s.mu.Unlock()

	if conn == nil {
		return false
	}
	return conn.writeRaw([]byte(frame)) == nil
}

// Origins returns the Origin header of every accepted control connection.
func (s *PushServer) Origins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.origins...)
}

// Submissions returns every delivery request received so far.
func (s *PushServer) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// Opened returns the number of control connections accepted.
func (s *PushServer) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Connected returns the number of control connections currently open.
func (s *PushServer) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Channels returns the number of registered channels across all agents.
func (s *PushServer) Channels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Stored returns the number of notifications not yet acked for uaid.
func (s *PushServer) Stored(uaid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[uaid]
	if !ok {
		return 0
	}
	n := 0
	for _, ch := range a.channels {
		n += len(ch.queue)
		if ch.inflight != nil {
			n++
		}
	}
	return n
}

func (s *PushServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("push_server_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	conn := &pushConn{ws: ws}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.origins = append(s.origins, r.Header.Get("Origin"))
	s.opened++
	s.mu.Unlock()

	defer s.disconnect(conn)

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			return
		}

		if !s.handleFrame(conn, msg) {
			return
		}
	}
}

func (s *PushServer) handleFrame(conn *pushConn, msg protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m := msg.(type) {
	case *protocol.Ping:
		return conn.write(&protocol.Ping{}) == nil

	case *protocol.Hello:
		if conn.agent != nil {
			return false
		}
		uaid := m.UAID
		if uaid == "" {
			uaid = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		a, ok := s.agents[uaid]
		if !ok {
			a = &agent{uaid: uaid, channels: make(map[string]*channel)}
			s.agents[uaid] = a
		}
		if a.conn != nil {
			_ = a.conn.ws.Close()
			s.requeueLocked(a)
		}
		a.conn = conn
		conn.agent = a

		status := protocol.StatusOK
		if s.helloStatus != 0 {
			status = s.helloStatus
		}
		reply := &protocol.Hello{UAID: uaid, UseWebPush: true, Status: status, Broadcasts: map[string]string{}}
		if err := conn.write(reply); err != nil {
			return false
		}
		s.flushLocked(a)
		return true

	case *protocol.Register:
		a := conn.agent
		if a == nil {
			return false
		}
		ch := &channel{
			id:    m.ChannelID,
			token: strings.ReplaceAll(uuid.NewString(), "-", ""),
			agent: a,
		}
		if old, ok := a.channels[m.ChannelID]; ok {
			delete(s.tokens, old.token)
		}
		a.channels[m.ChannelID] = ch
		s.tokens[ch.token] = ch

		reply := &protocol.Register{
			ChannelID:    m.ChannelID,
			Status:       protocol.StatusOK,
			PushEndpoint: s.server.URL + EndpointPath + ch.token,
		}
		return conn.write(reply) == nil

	case *protocol.Unregister:
		a := conn.agent
		if a == nil {
			return false
		}
		if ch, ok := a.channels[m.ChannelID]; ok {
			delete(s.tokens, ch.token)
			delete(a.channels, m.ChannelID)
		}
		return conn.write(&protocol.Unregister{ChannelID: m.ChannelID, Status: protocol.StatusOK}) == nil

	case *protocol.Ack:
		a := conn.agent
		if a == nil || m.Updates == nil {
			return true
		}
		ch, ok := a.channels[m.Updates.ChannelID]
		if !ok || ch.inflight == nil {
			return true
		}
		if m.Updates.Version != "" && m.Updates.Version != ch.inflight.version {
			return true
		}
		ch.inflight = nil
		s.sendNextLocked(ch)
		return true

	default:
		return true
	}
}

func (s *PushServer) disconnect(conn *pushConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, conn)
	_ = conn.ws.Close()

	a := conn.agent
	if a == nil || a.conn != conn {
		return
	}
	a.conn = nil
	s.requeueLocked(a)
}

// requeueLocked returns unacked in-flight notifications to the head of their
// channel queues. An in-flight notification already superseded by a queued
// one with the same topic is dropped.
func (s *PushServer) requeueLocked(a *agent) {
	for _, ch := range a.channels {
		if ch.inflight == nil {
			continue
		}
		if !s.replace || !supersededLocked(ch, ch.inflight) {
			ch.queue = append([]*stored{ch.inflight}, ch.queue...)
		}
		ch.inflight = nil
	}
}

func supersededLocked(ch *channel, msg *stored) bool {
	if msg.topic == "" {
		return false
	}
	for _, q := range ch.queue {
		if q.topic == msg.topic {
			return true
		}
	}
	return false
}

func (s *PushServer) flushLocked(a *agent) {
	for _, ch := range a.channels {
		if ch.inflight == nil {
			s.sendNextLocked(ch)
		}
	}
}

func (s *PushServer) sendNextLocked(ch *channel) {
	conn := ch.agent.conn
	if !s.deliver || conn == nil || len(ch.queue) == 0 {
		return
	}

	next := ch.queue[0]
	n := &protocol.Notification{
		ChannelID: ch.id,
		Version:   next.version,
		Data:      next.data,
		TTL:       next.ttl,
		Headers:   map[string]string{"encoding": next.enc},
	}
	if err := conn.write(n); err != nil {
		return
	}
	ch.queue = ch.queue[1:]
	ch.inflight = next
}

func (s *PushServer) handleDelivery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	token := strings.TrimPrefix(r.URL.Path, EndpointPath)
	sub := Submission{
		Token:    token,
		TTL:      r.Header.Get("TTL"),
		Encoding: r.Header.Get("Content-Encoding"),
		Topic:    r.Header.Get("Topic"),
		Body:     body,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub.Status = s.acceptLocked(sub)
	s.submissions = append(s.submissions, sub)

	w.WriteHeader(sub.Status)
}

func (s *PushServer) acceptLocked(sub Submission) int {
	ch, ok := s.tokens[sub.Token]
	if !ok {
		return http.StatusGone
	}
	if s.postStatus != 0 {
		return s.postStatus
	}

	ttl, _ := strconv.Atoi(sub.TTL)
	msg := &stored{
		version: uuid.NewString(),
		data:    base64.RawURLEncoding.EncodeToString(sub.Body),
		topic:   sub.Topic,
		ttl:     ttl,
		enc:     sub.Encoding,
	}

	replaced := false
	if s.replace && msg.topic != "" {
		for i, q := range ch.queue {
			if q.topic == msg.topic {
				ch.queue[i] = msg
				replaced = true
				break
			}
		}
	}
	if !replaced {
		ch.queue = append(ch.queue, msg)
	}

	if ch.inflight == nil {
		s.sendNextLocked(ch)
	}
	return http.StatusCreated
}
