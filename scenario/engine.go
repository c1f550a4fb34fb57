// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package scenario drives virtual push clients through the control and
// delivery channels and measures cross-channel latency.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/pushload/client"
	"github.com/absmach/pushload/config"
	"github.com/absmach/pushload/delivery"
	"github.com/absmach/pushload/endpoint"
	"github.com/absmach/pushload/metrics"
	"github.com/absmach/pushload/protocol"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of scenario spans.
const TracerName = "github.com/absmach/pushload/scenario"

// ErrUnknownScenario is returned by Run for names not in Names.
var ErrUnknownScenario = errors.New("unknown scenario")

// ErrSamePayloads is returned by New when the first two payloads carry the
// same bytes, which would hide a superseded topic message.
var ErrSamePayloads = errors.New("first two payloads must differ")

// SessionFactory opens control channel sessions.
type SessionFactory interface {
	Dial(ctx context.Context, receiveTimeout time.Duration) (*client.Session, error)
}

// Submitter sends delivery requests and records their events.
type Submitter interface {
	Submit(ctx context.Context, req delivery.Request) (delivery.Result, error)
}

// Resolver maps registration endpoints to delivery URLs.
type Resolver interface {
	Resolve(raw string) (endpoint.Descriptor, error)
}

// VirtualClient is the identity of one scenario instance.
type VirtualClient struct {
	UAID      string
	ChannelID string
	Topic     string
}

// Option configures an Engine.
type Option func(*Engine)

// WithChannelIDs replaces the channel ID generator.
func WithChannelIDs(next func() string) Option {
	return func(e *Engine) { e.channelID = next }
}

// WithTracer replaces the tracer used for scenario spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// Engine runs named scenarios. It holds no per-run state and is safe for
// concurrent use; every Run owns the sessions it opens.
type Engine struct {
	cfg       config.ScenarioConfig
	sessions  SessionFactory
	delivery  Submitter
	resolver  Resolver
	sink      metrics.Sink
	logger    *slog.Logger
	tracer    trace.Tracer
	channelID func() string
}

// New creates an Engine.
func New(cfg config.ScenarioConfig, sessions SessionFactory, submitter Submitter, resolver Resolver, sink metrics.Sink, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session factory cannot be nil")
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter cannot be nil")
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	if len(cfg.Payloads) < 2 {
		return nil, fmt.Errorf("at least two payloads are required, got %d", len(cfg.Payloads))
	}
	for _, p := range cfg.Payloads {
		if _, err := delivery.DecodePayload(p); err != nil {
			return nil, fmt.Errorf("payload %q: %w", p, err)
		}
	}
	if delivery.SamePayload(cfg.Payloads[0], cfg.Payloads[1]) {
		return nil, ErrSamePayloads
	}
	if cfg.StoredCount < 1 {
		cfg.StoredCount = 1
	}
	if cfg.MaxReceiveFailures < 1 {
		cfg.MaxReceiveFailures = 1
	}
	if cfg.UnsubscribedWait <= 0 {
		cfg.UnsubscribedWait = time.Second
	}
	if sink == nil {
		sink = metrics.Nop
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:       cfg,
		sessions:  sessions,
		delivery:  submitter,
		resolver:  resolver,
		sink:      sink,
		logger:    logger,
		tracer:    otel.Tracer(TracerName),
		channelID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Run executes one instance of the named scenario. A failed scenario records
// exactly one failed event, either at the failing step or here. A run ended
// by ctx returns the context error and records nothing.
func (e *Engine) Run(ctx context.Context, name string) error {
	sc, ok := registry[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScenario, name)
	}

	r := &run{
		e:    e,
		name: name,
		vc: VirtualClient{
			ChannelID: e.channelID(),
			Topic:     e.cfg.Topic,
		},
	}
	defer r.closeAll()

	ctx, span := e.tracer.Start(ctx, "scenario."+name,
		trace.WithAttributes(
			attribute.String("scenario", name),
			attribute.String("channel_id", r.vc.ChannelID),
		))
	defer span.End()

	start := time.Now()
	err := sc.run(ctx, r)
	span.SetAttributes(attribute.String("uaid", r.vc.UAID))

	switch {
	case err == nil:
		e.logger.Debug("scenario_completed",
			slog.String("scenario", name),
			slog.Duration("elapsed", time.Since(start)))
		return nil

	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return err
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, protocol.Classify(err))

	if !metrics.IsRecorded(err) {
		ev := metrics.NewEvent(metrics.KindControl, name, "scenario", start, time.Now())
		ev.Err = err
		e.sink.Record(ev)
	}

	e.logger.Warn("scenario_failed",
		slog.String("scenario", name),
		slog.String("channel_id", r.vc.ChannelID),
		slog.String("error_kind", protocol.Classify(err)),
		slog.String("error", err.Error()))

	return err
}

// run is the state of one scenario instance.
type run struct {
	e        *Engine
	name     string
	vc       VirtualClient
	sessions []*client.Session
}

func (r *run) cfg() config.ScenarioConfig {
	return r.e.cfg
}

// open dials a session that is closed when the run ends, whatever the exit
// path.
func (r *run) open(ctx context.Context, receiveTimeout time.Duration) (*client.Session, error) {
	s, err := r.e.sessions.Dial(ctx, receiveTimeout)
	if err != nil {
		return nil, err
	}
	live := r.sessions[:0]
	for _, prev := range r.sessions {
		if prev.State() != client.StateClosed {
			live = append(live, prev)
		}
	}
	r.sessions = append(live, s)
	return s, nil
}

func (r *run) closeAll() {
	for _, s := range r.sessions {
		if err := s.Close(); err != nil {
			r.e.logger.Debug("session_close_failed",
				slog.String("scenario", r.name),
				slog.String("error", err.Error()))
		}
	}
	r.sessions = nil
}

// hello greets with the saved UAID, or adopts the one assigned on the first
// greeting of the run.
func (r *run) hello(ctx context.Context, s *client.Session) (*protocol.Hello, error) {
	reply, err := s.Hello(ctx, r.vc.UAID)
	if err != nil {
		return nil, err
	}
	if r.vc.UAID == "" {
		r.vc.UAID = reply.UAID
	}
	return reply, nil
}

// opening runs the sequence shared by every scenario: dial, hello, register
// and resolve the endpoint.
func (r *run) opening(ctx context.Context) (*client.Session, endpoint.Descriptor, error) {
	s, err := r.open(ctx, r.cfg().ReceiveTimeout)
	if err != nil {
		return nil, endpoint.Descriptor{}, err
	}
	if _, err := r.hello(ctx, s); err != nil {
		return nil, endpoint.Descriptor{}, err
	}
	reg, err := s.Register(ctx, r.vc.ChannelID)
	if err != nil {
		return nil, endpoint.Descriptor{}, err
	}
	desc, err := r.e.resolver.Resolve(reg.PushEndpoint)
	if err != nil {
		return nil, endpoint.Descriptor{}, err
	}
	return s, desc, nil
}

func (r *run) submit(ctx context.Context, ep endpoint.Descriptor, payload, topic string, expect int) error {
	_, err := r.e.delivery.Submit(ctx, delivery.Request{
		Scenario: r.name,
		URL:      ep.URL(),
		Payload:  payload,
		TTL:      r.cfg().TTL,
		Topic:    topic,
		Expect:   expect,
	})
	return err
}

// record emits a control event. A non-nil err is returned marked as recorded.
func (r *run) record(name string, start, end time.Time, size int, err error) error {
	ev := metrics.NewEvent(metrics.KindControl, r.name, name, start, end)
	ev.Size = size
	ev.Err = err
	r.e.sink.Record(ev)
	return metrics.MarkRecorded(err)
}

// checkPayload compares a notification with the submitted payload after
// decoding both.
func checkPayload(n *protocol.Notification, want string) error {
	if delivery.SamePayload(n.Data, want) {
		return nil
	}
	return fmt.Errorf("%w: notification data %q does not match payload %q", protocol.ErrAssertion, n.Data, want)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
