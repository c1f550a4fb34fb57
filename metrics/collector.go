// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sort"
	"sync"
	"time"
)

// ScenarioStats aggregates the events of one scenario.
type ScenarioStats struct {
	Events   int            `json:"events"`
	Failures int            `json:"failures"`
	ByKind   map[Kind]int   `json:"by_kind"`
	Errors   map[string]int `json:"errors,omitempty"`
	Elapsed  time.Duration  `json:"elapsed_ns"`
	MaxSpan  time.Duration  `json:"max_ns"`
}

// Collector keeps per-scenario counters and, optionally, the events
// themselves.
type Collector struct {
	keep bool

	mu     sync.Mutex
	events []Event
	stats  map[string]*ScenarioStats
}

var _ Sink = (*Collector)(nil)

// NewCollector returns an empty Collector. When keep is true every event is
// retained for Events.
func NewCollector(keep bool) *Collector {
	return &Collector{
		keep:  keep,
		stats: make(map[string]*ScenarioStats),
	}
}

// Record implements Sink.
func (c *Collector) Record(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keep {
		c.events = append(c.events, e)
	}

	st, ok := c.stats[e.Scenario]
	if !ok {
		st = &ScenarioStats{ByKind: make(map[Kind]int), Errors: make(map[string]int)}
		c.stats[e.Scenario] = st
	}
	st.Events++
	st.ByKind[e.Kind]++
	if e.Failed() {
		st.Failures++
		st.Errors[e.ErrorKind()]++
	}
	el := e.Elapsed()
	st.Elapsed += el
	if el > st.MaxSpan {
		st.MaxSpan = el
	}
}

// Events returns the retained events in record order.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Filter returns the retained events for which keep returns true.
func (c *Collector) Filter(keep func(Event) bool) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Event
	for _, e := range c.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of events recorded.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, st := range c.stats {
		n += st.Events
	}
	return n
}

// Stats returns a copy of the per-scenario counters.
func (c *Collector) Stats() map[string]ScenarioStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]ScenarioStats, len(c.stats))
	for name, st := range c.stats {
		cp := *st
		cp.ByKind = make(map[Kind]int, len(st.ByKind))
		for k, v := range st.ByKind {
			cp.ByKind[k] = v
		}
		cp.Errors = make(map[string]int, len(st.Errors))
		for k, v := range st.Errors {
			cp.Errors[k] = v
		}
		out[name] = cp
	}
	return out
}

// Scenarios returns the names seen so far, sorted.
func (c *Collector) Scenarios() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.stats))
	for name := range c.stats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset drops all events and counters.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
	c.stats = make(map[string]*ScenarioStats)
}
