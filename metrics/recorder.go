// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Policies applied when the Recorder queue is full. Block makes Record wait
// for space, so no event is lost; the drop policies keep callers from ever
// waiting on a slow sink.
const (
	Block      = "block"
	DropOldest = "oldest"
	DropNewest = "newest"
)

// DefaultQueueSize is the Recorder queue capacity used when none is given.
const DefaultQueueSize = 4096

// Recorder decouples scenario goroutines from slow sinks. When the queue is
// full Record either waits (Block) or drops an event according to the policy.
type Recorder struct {
	next   Sink
	policy string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}

	recorded atomic.Int64
	dropped  atomic.Int64
}

var _ Sink = (*Recorder)(nil)

// NewRecorder starts a Recorder forwarding to next.
func NewRecorder(next Sink, queueSize int, policy string, logger *slog.Logger) (*Recorder, error) {
	if next == nil {
		return nil, fmt.Errorf("recorder sink cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	switch policy {
	case "":
		policy = Block
	case Block, DropOldest, DropNewest:
	default:
		return nil, fmt.Errorf("unknown drop policy %q", policy)
	}

	r := &Recorder{
		next:   next,
		policy: policy,
		logger: logger,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()

	return r, nil
}

// Record enqueues e. Events recorded after Close are dropped.
func (r *Recorder) Record(e Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		return
	}

	if r.policy == Block {
		r.queue <- e
		return
	}

	select {
	case r.queue <- e:
		return
	default:
	}

	if r.policy == DropOldest {
		select {
		case <-r.queue:
			r.dropped.Add(1)
		default:
		}
		select {
		case r.queue <- e:
			return
		default:
		}
	}

	if r.dropped.Add(1)%1000 == 1 {
		r.logger.Warn("metrics_queue_full",
			slog.String("policy", r.policy),
			slog.Int64("dropped", r.dropped.Load()))
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		r.next.Record(e)
		r.recorded.Add(1)
	}
}

// Recorded returns the number of events forwarded downstream.
func (r *Recorder) Recorded() int64 {
	return r.recorded.Load()
}

// Dropped returns the number of events discarded.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events and waits until queued events are forwarded.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done

	if d := r.dropped.Load(); d > 0 {
		r.logger.Warn("metrics_events_dropped", slog.Int64("dropped", d))
	}
	return nil
}
