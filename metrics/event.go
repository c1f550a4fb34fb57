// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics carries timing and outcome events out of scenario runs.
package metrics

import (
	"encoding/json"
	"time"

	"github.com/absmach/pushload/protocol"
	"github.com/google/uuid"
)

// Kind tells which channel an event measured.
type Kind string

// Event kinds.
const (
	KindControl  Kind = "control"
	KindDelivery Kind = "delivery"
)

// Event is one measured unit of work. Events are values and are never
// modified after Record.
type Event struct {
	ID       string
	Kind     Kind
	Scenario string
	// Name labels the step within the scenario, e.g. "hello" or "notification".
	Name  string
	Start time.Time
	End   time.Time
	// Size is the number of payload or frame bytes involved, if known.
	Size int
	Err  error
}

// NewEvent returns an event with a fresh ID.
func NewEvent(kind Kind, scenario, name string, start, end time.Time) Event {
	return Event{
		ID:       uuid.NewString(),
		Kind:     kind,
		Scenario: scenario,
		Name:     name,
		Start:    start,
		End:      end,
	}
}

// Elapsed returns End - Start.
func (e Event) Elapsed() time.Duration {
	return e.End.Sub(e.Start)
}

// Failed reports whether the event carries an error.
func (e Event) Failed() bool {
	return e.Err != nil
}

// ErrorKind returns the failure class of Err, or "" on success.
func (e Event) ErrorKind() string {
	return protocol.Classify(e.Err)
}

type eventJSON struct {
	ID        string  `json:"id"`
	Kind      Kind    `json:"kind"`
	Scenario  string  `json:"scenario"`
	Name      string  `json:"name,omitempty"`
	Start     string  `json:"start"`
	End       string  `json:"end"`
	ElapsedMS float64 `json:"elapsed_ms"`
	Size      int     `json:"size,omitempty"`
	Error     string  `json:"error,omitempty"`
	ErrorKind string  `json:"error_kind,omitempty"`
}

// MarshalJSON encodes the event with RFC 3339 timestamps and the error as text.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		ID:        e.ID,
		Kind:      e.Kind,
		Scenario:  e.Scenario,
		Name:      e.Name,
		Start:     e.Start.UTC().Format(time.RFC3339Nano),
		End:       e.End.UTC().Format(time.RFC3339Nano),
		ElapsedMS: float64(e.Elapsed()) / float64(time.Millisecond),
		Size:      e.Size,
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
		out.ErrorKind = e.ErrorKind()
	}
	return json.Marshal(out)
}

// Record is the decoded form of an encoded event. The error survives only as
// its message and kind.
type Record struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Scenario  string    `json:"scenario"`
	Name      string    `json:"name,omitempty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	ElapsedMS float64   `json:"elapsed_ms"`
	Size      int       `json:"size,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
}
