// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// JSONLSink writes one JSON object per event and line. Output is zstd
// compressed when created by OpenJSONL with a path ending in ".zst".
type JSONLSink struct {
	logger *slog.Logger

	mu     sync.Mutex
	w      *bufio.Writer
	enc    *json.Encoder
	closer []io.Closer
	err    error
}

var _ Sink = (*JSONLSink)(nil)

// NewJSONLSink writes to w. Close flushes but does not close w.
func NewJSONLSink(w io.Writer, logger *slog.Logger) *JSONLSink {
	if logger == nil {
		logger = slog.Default()
	}
	bw := bufio.NewWriter(w)
	return &JSONLSink{
		logger: logger,
		w:      bw,
		enc:    json.NewEncoder(bw),
	}
}

// OpenJSONL creates or truncates path.
func OpenJSONL(path string, logger *slog.Logger) (*JSONLSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create events file: %w", err)
	}

	if !strings.HasSuffix(path, ".zst") {
		s := NewJSONLSink(f, logger)
		s.closer = []io.Closer{f}
		return s, nil
	}

	zw, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	s := NewJSONLSink(zw, logger)
	s.closer = []io.Closer{zw, f}
	return s, nil
}

// Record implements Sink. The first write error is kept and reported by
// Close; later events are discarded.
func (s *JSONLSink) Record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return
	}
	if err := s.enc.Encode(e); err != nil {
		s.err = err
		s.logger.Error("events_file_write_failed", slog.String("error", err.Error()))
	}
}

// Flush writes buffered lines to the underlying writer.
func (s *JSONLSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// Close flushes and closes the files opened by OpenJSONL.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := []error{s.err, s.w.Flush()}
	for _, c := range s.closer {
		errs = append(errs, c.Close())
	}
	s.closer = nil
	return errors.Join(errs...)
}

// ReadJSONL decodes every event in r, decompressing zstd input when
// compressed is true.
func ReadJSONL(r io.Reader, compressed bool) ([]Record, error) {
	if compressed {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	var out []Record
	dec := json.NewDecoder(r)
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("failed to decode event: %w", err)
		}
		out = append(out, rec)
	}
}
