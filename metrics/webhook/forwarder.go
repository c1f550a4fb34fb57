// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/pushload/config"
	"github.com/absmach/pushload/metrics"
	"github.com/sony/gobreaker"
)

var _ metrics.Sink = (*Forwarder)(nil)

// Forwarder posts events to one aggregator URL with a worker pool, retry with
// exponential backoff and a circuit breaker.
type Forwarder struct {
	cfg     config.WebhookConfig
	source  string
	queue   chan job
	breaker *gobreaker.CircuitBreaker
	sender  Sender
	logger  *slog.Logger
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	// pending counts accepted events not yet delivered, failed or dropped.
	pending   atomic.Int64
}

type job struct {
	event   metrics.Event
	attempt int
}

// NewForwarder starts the worker pool. source identifies this harness run in
// every envelope.
func NewForwarder(cfg config.WebhookConfig, source string, sender Sender, logger *slog.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url cannot be empty")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = metrics.DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	f := &Forwarder{
		cfg:    cfg,
		source: source,
		queue:  make(chan job, cfg.QueueSize),
		sender: sender,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.URL,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(max(cfg.CircuitBreaker.FailureThreshold, 1))
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("webhook_circuit_breaker_state_changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	for i := 0; i < cfg.Workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}

	logger.Info("webhook_forwarder_started",
		slog.String("url", cfg.URL),
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize))

	return f, nil
}

// Record queues e for delivery without blocking.
func (f *Forwarder) Record(e metrics.Event) {
	if f.ctx.Err() != nil {
		f.dropped.Add(1)
		return
	}
	f.pending.Add(1)
	f.enqueue(job{event: e})
}

func (f *Forwarder) enqueue(j job) {
	select {
	case f.queue <- j:
		return
	default:
	}

	if f.cfg.DropPolicy == metrics.DropOldest {
		select {
		case <-f.queue:
			f.dropped.Add(1)
			f.pending.Add(-1)
		default:
		}
		select {
		case f.queue <- j:
			return
		default:
		}
	}

	f.dropped.Add(1)
	f.pending.Add(-1)
	f.logger.Debug("webhook_queue_full_event_dropped",
		slog.String("event_id", j.event.ID),
		slog.String("policy", f.cfg.DropPolicy))
}

func (f *Forwarder) worker() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		case j := <-f.queue:
			f.process(j)
		}
	}
}

func (f *Forwarder) process(j job) {
	_, err := f.breaker.Execute(func() (interface{}, error) {
		return nil, f.send(j)
	})
	if err == nil {
		f.delivered.Add(1)
		f.pending.Add(-1)
		return
	}

	var status *StatusError
	permanent := errors.As(err, &status) && status.Permanent()

	if !permanent && j.attempt < f.cfg.Retry.MaxAttempts-1 {
		j.attempt++
		delay := retryDelay(j.attempt, f.cfg.Retry)

		f.logger.Debug("webhook_delivery_failed_retrying",
			slog.String("event_id", j.event.ID),
			slog.Int("attempt", j.attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()))

		time.AfterFunc(delay, func() {
			if f.ctx.Err() != nil {
				f.failed.Add(1)
				f.pending.Add(-1)
				return
			}
			f.enqueue(j)
		})
		return
	}

	f.failed.Add(1)
	f.pending.Add(-1)
	f.logger.Error("webhook_delivery_failed",
		slog.String("event_id", j.event.ID),
		slog.Int("attempts", j.attempt+1),
		slog.String("error", err.Error()))
}

func (f *Forwarder) send(j job) error {
	env := Envelope{
		EventType: EventType,
		EventID:   j.event.ID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    f.source,
		Data:      j.event,
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// In-flight sends outlive Close; Close waits for them.
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	defer cancel()

	return f.sender.Send(ctx, f.cfg.URL, f.cfg.Headers, payload, f.cfg.Timeout)
}

// retryDelay returns the exponential backoff for attempt, capped at
// cfg.MaxInterval.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Delivered returns the number of events accepted by the aggregator.
func (f *Forwarder) Delivered() int64 { return f.delivered.Load() }

// Failed returns the number of events abandoned after retries.
func (f *Forwarder) Failed() int64 { return f.failed.Load() }

// Dropped returns the number of events discarded on a full queue.
func (f *Forwarder) Dropped() int64 { return f.dropped.Load() }

// Close drains queued and retrying events for up to the configured shutdown
// timeout, then stops the workers once their in-flight sends finish.
func (f *Forwarder) Close() error {
	deadline := time.Now().Add(f.cfg.ShutdownTimeout)
	for f.pending.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	f.cancel()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.logger.Info("webhook_forwarder_stopped",
			slog.Int64("delivered", f.Delivered()),
			slog.Int64("failed", f.Failed()),
			slog.Int64("dropped", f.Dropped()))
	case <-time.After(f.cfg.ShutdownTimeout):
		f.logger.Warn("webhook_forwarder_shutdown_timeout",
			slog.Int("queue_depth", len(f.queue)))
	}

	return nil
}
