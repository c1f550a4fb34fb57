// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package journal persists metric events in BadgerDB so a run can be
// replayed after the process exits.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/pushload/metrics"
	"github.com/dgraph-io/badger/v4"
)

// Key format: event/{start unix nanos, zero padded}/{event id}
const prefix = "event/"

var ErrClosed = errors.New("journal closed")

var _ metrics.Sink = (*Journal)(nil)

// Config holds journal configuration.
type Config struct {
	Dir string // Directory for BadgerDB data
	// InMemory keeps the journal in memory; Dir is ignored.
	InMemory bool
	// GCInterval is the value log GC period. Zero uses five minutes.
	GCInterval time.Duration
}

// Journal is a durable, start-time ordered event log.
type Journal struct {
	db     *badger.DB
	logger *slog.Logger

	gcStopCh chan struct{}
	gcDone   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the journal.
func Open(cfg Config, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	j := &Journal{
		db:       db,
		logger:   logger,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go j.runGC(interval)

	return j, nil
}

func key(e metrics.Event) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefix, e.Start.UnixNano(), e.ID))
}

// Append stores e.
func (j *Journal) Append(e metrics.Event) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(e), data)
	})
}

// Record implements metrics.Sink. Write failures are logged.
func (j *Journal) Record(e metrics.Event) {
	if err := j.Append(e); err != nil {
		j.logger.Error("journal_append_failed",
			slog.String("event_id", e.ID),
			slog.String("error", err.Error()))
	}
}

// Iterate calls fn for every stored event in start-time order. Iteration
// stops at the first error returned by fn.
func (j *Journal) Iterate(fn func(metrics.Record) error) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}

	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec metrics.Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of stored events.
func (j *Journal) Count() (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return 0, ErrClosed
	}

	n := 0
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close stops GC and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.gcStopCh)
	<-j.gcDone

	return j.db.Close()
}

func (j *Journal) runGC(interval time.Duration) {
	defer close(j.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when nothing was collected.
			_ = j.db.RunValueLogGC(0.5)
		case <-j.gcStopCh:
			return
		}
	}
}
