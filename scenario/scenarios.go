// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/absmach/pushload/protocol"
)

// Scenario names.
const (
	Basic                           = "basic"
	BasicTopic                      = "basic_topic"
	ConnectAndHold                  = "connect_and_hold"
	Connect                         = "connect"
	ConnectStored                   = "connect_stored"
	ConnectForever                  = "connect_forever"
	NotificationForeverUnsubscribed = "notification_forever_unsubscribed"
)

type scenario struct {
	desc string
	run  func(ctx context.Context, r *run) error
}

var registry = map[string]scenario{
	Basic: {
		desc: "Submit one payload while listening and await its notification.",
		run:  runBasic,
	},
	BasicTopic: {
		desc: "Submit two payloads under one topic while disconnected; only the second is delivered on reconnect.",
		run:  runBasicTopic,
	},
	ConnectAndHold: {
		desc: "Handshake, then hold the idle connection for the hold duration.",
		run:  runConnectAndHold,
	},
	Connect: {
		desc: "Handshake and close.",
		run:  runConnect,
	},
	ConnectStored: {
		desc: "Store a burst of notifications while disconnected and drain one per reconnect.",
		run:  runConnectStored,
	},
	ConnectForever: {
		desc: "Loop submit, disconnect, wait, reconnect and receive until stopped.",
		run:  runConnectForever,
	},
	NotificationForeverUnsubscribed: {
		desc: "Unregister a channel and keep submitting to its endpoint, expecting 410 Gone.",
		run:  runNotificationForeverUnsubscribed,
	},
}

var names = []string{
	Basic,
	BasicTopic,
	ConnectAndHold,
	Connect,
	ConnectStored,
	ConnectForever,
	NotificationForeverUnsubscribed,
}

// Names returns every scenario name in a stable order.
func Names() []string {
	return append([]string(nil), names...)
}

// Description returns a one-line description of the named scenario.
func Description(name string) string {
	if sc, ok := registry[name]; ok {
		return sc.desc
	}
	return ""
}

// Bounded reports whether the named scenario terminates on its own.
func Bounded(name string) bool {
	return name != ConnectForever && name != NotificationForeverUnsubscribed
}

func runBasic(ctx context.Context, r *run) error {
	s, ep, err := r.opening(ctx)
	if err != nil {
		return err
	}

	payload := r.cfg().Payloads[0]
	start := time.Now()
	if err := r.submit(ctx, ep, payload, "", http.StatusCreated); err != nil {
		return err
	}

	n, _, err := s.AwaitNotification(ctx)
	if err != nil {
		return err
	}
	end := time.Now()

	if err := checkPayload(n, payload); err != nil {
		return r.record("notification", start, end, n.Size, err)
	}
	if err := s.Ack(ctx, n.ChannelID); err != nil {
		return err
	}
	_ = r.record("notification", start, end, n.Size, nil)

	return s.Close()
}

func runBasicTopic(ctx context.Context, r *run) error {
	s, ep, err := r.opening(ctx)
	if err != nil {
		return err
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", protocol.ErrConnection, err)
	}

	payloads := r.cfg().Payloads[:2]
	for _, p := range payloads {
		if err := r.submit(ctx, ep, p, r.vc.Topic, http.StatusCreated); err != nil {
			return err
		}
	}

	s, err = r.open(ctx, r.cfg().TopicTimeout)
	if err != nil {
		return err
	}
	s.Resume(r.vc.ChannelID)

	start := time.Now()
	if _, err := r.hello(ctx, s); err != nil {
		return err
	}
	n, _, err := s.AwaitNotification(ctx)
	if err != nil {
		return err
	}
	end := time.Now()

	if checkPayload(n, payloads[0]) == nil {
		err := fmt.Errorf("%w: superseded payload %q delivered instead of %q", protocol.ErrAssertion, payloads[0], payloads[1])
		return r.record("notification", start, end, n.Size, err)
	}
	if err := checkPayload(n, payloads[1]); err != nil {
		return r.record("notification", start, end, n.Size, err)
	}
	if err := s.Ack(ctx, n.ChannelID); err != nil {
		return err
	}
	_ = r.record("notification", start, end, n.Size, nil)

	return s.Close()
}

// greet dials, performs a timed hello and records it.
func greet(ctx context.Context, r *run) error {
	s, err := r.open(ctx, r.cfg().ReceiveTimeout)
	if err != nil {
		return err
	}

	start := time.Now()
	reply, err := r.hello(ctx, s)
	if err != nil {
		return err
	}
	_ = r.record("hello", start, time.Now(), reply.Size, nil)
	return nil
}

func runConnectAndHold(ctx context.Context, r *run) error {
	if err := greet(ctx, r); err != nil {
		return err
	}
	return sleepCtx(ctx, r.cfg().HoldDuration)
}

func runConnect(ctx context.Context, r *run) error {
	return greet(ctx, r)
}

func runConnectStored(ctx context.Context, r *run) error {
	s, ep, err := r.opening(ctx)
	if err != nil {
		return err
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", protocol.ErrConnection, err)
	}

	// Submitted without a topic: a shared topic would collapse the burst
	// into a single stored notification.
	payload := r.cfg().Payloads[0]
	count := r.cfg().StoredCount
	for i := 0; i < count; i++ {
		if err := r.submit(ctx, ep, payload, "", http.StatusCreated); err != nil {
			return err
		}
	}

	received := 0
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := storedCycle(ctx, r, payload)
		switch {
		case err == nil:
			received++
		case errors.Is(err, protocol.ErrTimeout):
			continue
		default:
			return err
		}
	}

	if received != count {
		return fmt.Errorf("%w: received %d of %d stored notifications", protocol.ErrAssertion, received, count)
	}
	return nil
}

// storedCycle reconnects once and drains one stored notification. Timeouts
// are recorded as failed rounds.
func storedCycle(ctx context.Context, r *run, payload string) error {
	s, err := r.open(ctx, r.cfg().StoredTimeout)
	if err != nil {
		return err
	}
	defer s.Close()
	s.Resume(r.vc.ChannelID)

	start := time.Now()
	if _, err := r.hello(ctx, s); err != nil {
		if errors.Is(err, protocol.ErrTimeout) {
			return r.record("stored_notification", start, time.Now(), 0, err)
		}
		return err
	}

	n, _, err := s.AwaitNotification(ctx)
	end := time.Now()
	if err != nil {
		if errors.Is(err, protocol.ErrTimeout) {
			return r.record("stored_notification", start, end, 0, err)
		}
		return err
	}
	if err := checkPayload(n, payload); err != nil {
		return r.record("stored_notification", start, end, n.Size, err)
	}
	if err := s.Ack(ctx, n.ChannelID); err != nil {
		return err
	}

	_ = r.record("stored_notification", start, end, n.Size, nil)
	return s.Close()
}

func runConnectForever(ctx context.Context, r *run) error {
	s, ep, err := r.opening(ctx)
	if err != nil {
		return err
	}

	payload := r.cfg().Payloads[0]
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := r.submit(ctx, ep, payload, r.vc.Topic, http.StatusCreated); err != nil {
			return err
		}
		_ = s.Close()

		if err := sleepCtx(ctx, r.cfg().ForeverInterval); err != nil {
			return err
		}

		s, err = r.open(ctx, r.cfg().ReceiveTimeout)
		if err != nil {
			return err
		}
		s.Resume(r.vc.ChannelID)

		start := time.Now()
		if _, err := r.hello(ctx, s); err != nil {
			return err
		}
		msg, err := s.Receive(ctx, 0)
		if err != nil {
			return err
		}
		_ = r.record("reconnect", start, time.Now(), frameSize(msg), nil)

		if err := s.Ack(ctx, r.vc.ChannelID); err != nil {
			return err
		}
		_ = s.Close()
	}
}

func runNotificationForeverUnsubscribed(ctx context.Context, r *run) error {
	s, ep, err := r.opening(ctx)
	if err != nil {
		return err
	}
	if err := s.Unregister(ctx, r.vc.ChannelID); err != nil {
		return err
	}

	payload := r.cfg().Payloads[0]
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.Ping(ctx); err != nil {
			if failures++; failures >= r.cfg().MaxReceiveFailures {
				return fmt.Errorf("%d consecutive control failures: %w", failures, err)
			}
			continue
		}

		if err := r.submit(ctx, ep, payload, "", http.StatusGone); err != nil {
			return err
		}

		_, err := s.Receive(ctx, r.cfg().UnsubscribedWait)
		switch {
		case err == nil, errors.Is(err, protocol.ErrTimeout):
			failures = 0
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			if failures++; failures >= r.cfg().MaxReceiveFailures {
				return fmt.Errorf("%d consecutive control failures: %w", failures, err)
			}
			continue
		}

		if err := s.Ack(ctx, ""); err != nil {
			return err
		}
		if err := sleepCtx(ctx, r.cfg().UnsubscribedInterval); err != nil {
			return err
		}
	}
}

func frameSize(msg protocol.Message) int {
	switch m := msg.(type) {
	case *protocol.Notification:
		return m.Size
	case *protocol.Hello:
		return m.Size
	case *protocol.Register:
		return m.Size
	case *protocol.Unregister:
		return m.Size
	case *protocol.Broadcast:
		return m.Size
	default:
		return 0
	}
}
