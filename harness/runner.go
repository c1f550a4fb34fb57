// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package harness runs virtual users, each looping over scenarios picked from
// a weighted mix until the run is stopped.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/pushload/config"
	"golang.org/x/time/rate"
)

// ErrStopTimeout is returned by Run when users do not return within the stop
// timeout after the run ends.
var ErrStopTimeout = errors.New("virtual users did not stop in time")

// ScenarioRunner executes one scenario instance.
type ScenarioRunner interface {
	Run(ctx context.Context, name string) error
}

// Stats is a snapshot of the runner counters.
type Stats struct {
	Users     int64 `json:"users"`
	Started   int64 `json:"started"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Canceled  int64 `json:"canceled"`
	Running   bool  `json:"running"`
}

// Runner drives virtual users.
type Runner struct {
	cfg     config.HarnessConfig
	mix     *Mix
	runner  ScenarioRunner
	logger  *slog.Logger
	backoff time.Duration

	users     atomic.Int64
	started   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	canceled  atomic.Int64
	running   atomic.Bool
}

// New creates a Runner.
func New(cfg config.HarnessConfig, mix *Mix, runner ScenarioRunner, logger *slog.Logger) (*Runner, error) {
	if runner == nil {
		return nil, fmt.Errorf("scenario runner cannot be nil")
	}
	if mix == nil && cfg.Scenario == "" {
		return nil, ErrEmptyMix
	}
	if cfg.Users < 1 {
		cfg.Users = 1
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		cfg:     cfg,
		mix:     mix,
		runner:  runner,
		logger:  logger,
		backoff: 100 * time.Millisecond,
	}, nil
}

// Run blocks until ctx is done or the configured duration elapses. With a
// single configured scenario it runs that scenario once and returns its
// error.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.Scenario != "" {
		return r.Once(ctx, r.cfg.Scenario)
	}

	if r.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Duration)
		defer cancel()
	}

	r.running.Store(true)
	defer r.running.Store(false)

	r.logger.Info("load_run_started",
		slog.Int("users", r.cfg.Users),
		slog.Float64("spawn_rate", r.cfg.SpawnRate),
		slog.Duration("duration", r.cfg.Duration),
		slog.Any("scenarios", r.mix.Names()))

	var limiter *rate.Limiter
	if r.cfg.SpawnRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.SpawnRate), 1)
	}

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Users; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.user(ctx, id)
		}(i)
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.cfg.StopTimeout):
		r.logger.Warn("load_run_stop_timeout",
			slog.Int64("users", r.users.Load()),
			slog.Duration("timeout", r.cfg.StopTimeout))
		return ErrStopTimeout
	}

	st := r.Stats()
	r.logger.Info("load_run_stopped",
		slog.Int64("started", st.Started),
		slog.Int64("succeeded", st.Succeeded),
		slog.Int64("failed", st.Failed),
		slog.Int64("canceled", st.Canceled))
	return nil
}

// Once runs the named scenario one time.
func (r *Runner) Once(ctx context.Context, name string) error {
	r.running.Store(true)
	defer r.running.Store(false)
	return r.runOne(ctx, name)
}

func (r *Runner) user(ctx context.Context, id int) {
	r.users.Add(1)
	defer r.users.Add(-1)

	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(id)))
	for ctx.Err() == nil {
		name := r.mix.Pick(rng)
		if err := r.runOne(ctx, name); err != nil && ctx.Err() == nil {
			// Keep a failing target from being hammered in a tight loop.
			select {
			case <-time.After(r.backoff):
			case <-ctx.Done():
			}
		}
	}
}

func (r *Runner) runOne(ctx context.Context, name string) error {
	r.started.Add(1)
	err := r.runner.Run(ctx, name)
	switch {
	case err == nil:
		r.succeeded.Add(1)
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		r.canceled.Add(1)
	default:
		r.failed.Add(1)
	}
	return err
}

// Stats returns the current counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Users:     r.users.Load(),
		Started:   r.started.Load(),
		Succeeded: r.succeeded.Load(),
		Failed:    r.failed.Load(),
		Canceled:  r.canceled.Load(),
		Running:   r.running.Load(),
	}
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	return r.running.Load()
}
