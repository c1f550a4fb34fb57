// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"io"
)

// Sink receives events. Implementations must be safe for concurrent use and
// must not block the caller for long.
type Sink interface {
	Record(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Record calls f(e).
func (f SinkFunc) Record(e Event) { f(e) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(Event) {})

// Fanout forwards every event to each sink in order.
type Fanout []Sink

var _ Sink = Fanout(nil)

// Record forwards e to every sink.
func (f Fanout) Record(e Event) {
	for _, s := range f {
		s.Record(e)
	}
}

// Close closes every sink that implements io.Closer, in order, and joins
// their errors.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

type recordedError struct {
	err error
}

func (e *recordedError) Error() string { return e.err.Error() }
func (e *recordedError) Unwrap() error { return e.err }

// MarkRecorded wraps err to note that a failed event was already recorded
// for it, so callers up the stack do not record it again.
func MarkRecorded(err error) error {
	if err == nil || IsRecorded(err) {
		return err
	}
	return &recordedError{err: err}
}

// IsRecorded reports whether err was returned by MarkRecorded.
func IsRecorded(err error) bool {
	var re *recordedError
	return errors.As(err, &re)
}
