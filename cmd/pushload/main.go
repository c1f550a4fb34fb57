// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/pushload/client"
	"github.com/absmach/pushload/config"
	"github.com/absmach/pushload/delivery"
	"github.com/absmach/pushload/endpoint"
	"github.com/absmach/pushload/harness"
	"github.com/absmach/pushload/health"
	"github.com/absmach/pushload/metrics"
	"github.com/absmach/pushload/metrics/journal"
	"github.com/absmach/pushload/metrics/webhook"
	"github.com/absmach/pushload/scenario"
	"github.com/absmach/pushload/telemetry"
	"github.com/google/uuid"
)

// status exposes the run to the health server.
type status struct {
	runner   *harness.Runner
	dialer   *client.Dialer
	recorder *metrics.Recorder
	stats    *metrics.Collector
}

type report struct {
	RunID     string                           `json:"run_id"`
	Scenario  string                           `json:"scenario,omitempty"`
	Error     string                           `json:"error,omitempty"`
	ErrorKind string                           `json:"error_kind,omitempty"`
	Harness   harness.Stats                    `json:"harness"`
	Sessions  sessionStats                     `json:"sessions"`
	Dropped   int64                            `json:"events_dropped"`
	Scenarios map[string]metrics.ScenarioStats `json:"scenarios"`
}

type sessionStats struct {
	Active int64 `json:"active"`
	Opened int64 `json:"opened"`
	Failed int64 `json:"failed"`
}

func (s *status) Ready() bool {
	return s.runner.Running()
}

func (s *status) Snapshot() any {
	return s.report("")
}

func (s *status) report(runID string) report {
	return report{
		RunID:   runID,
		Harness: s.runner.Stats(),
		Sessions: sessionStats{
			Active: s.dialer.Active(),
			Opened: s.dialer.Opened(),
			Failed: s.dialer.Failed(),
		},
		Dropped:   s.recorder.Dropped(),
		Scenarios: s.stats.Stats(),
	}
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	scenarioName := flag.String("scenario", "", "Run a single scenario once and exit")
	listScenarios := flag.Bool("list-scenarios", false, "List scenarios and exit")
	users := flag.Int("users", 0, "Number of virtual users")
	duration := flag.Duration("duration", 0, "Run duration, 0 runs until interrupted")
	wsURL := flag.String("websocket-url", "", "Control channel URL")
	endpointURL := flag.String("endpoint-url", "", "Delivery plane override URL")
	flag.Parse()

	if *listScenarios {
		for _, name := range scenario.Names() {
			fmt.Printf("%-36s %s\n", name, scenario.Description(name))
		}
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg.ApplyEnv(os.LookupEnv)

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "scenario":
			cfg.Harness.Scenario = *scenarioName
		case "users":
			cfg.Harness.Users = *users
		case "duration":
			cfg.Harness.Duration = *duration
		case "websocket-url":
			cfg.Target.WebSocketURL = *wsURL
		case "endpoint-url":
			cfg.Target.EndpointURL = *endpointURL
		}
	})
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	// Logs go to stderr so stdout carries only the run report.
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	runID := uuid.NewString()
	env := cfg.Target.ResolvedEnvironment()

	slog.Info("Starting push load run", "run_id", runID)
	slog.Info("Configuration loaded",
		"websocket_url", cfg.Target.WebSocketURL,
		"endpoint_url", cfg.Target.EndpointURL,
		"environment", env,
		"users", cfg.Harness.Users,
		"duration", cfg.Harness.Duration,
		"scenario", cfg.Harness.Scenario,
		"log_level", cfg.Log.Level)

	providers, err := telemetry.Init(context.Background(), cfg.Metrics.OTel, runID)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	if cfg.Metrics.OTel.Enabled {
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Metrics.OTel.Endpoint)
	}

	collector := metrics.NewCollector(false)
	sinks := metrics.Fanout{collector}

	if path := cfg.Metrics.JSONL; path != "" {
		jsonl, err := metrics.OpenJSONL(path, logger)
		if err != nil {
			slog.Error("Failed to open events file", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, jsonl)
		slog.Info("Writing events", "path", path)
	}

	if cfg.Metrics.Journal.Enabled {
		j, err := journal.Open(journal.Config{Dir: cfg.Metrics.Journal.Dir}, logger)
		if err != nil {
			slog.Error("Failed to open event journal", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, j)
		slog.Info("Journaling events", "dir", cfg.Metrics.Journal.Dir)
	}

	if cfg.Metrics.OTel.Enabled && cfg.Metrics.OTel.MetricsEnabled {
		otelSink, err := metrics.NewOTelSink(providers.Meter(metrics.MeterName))
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, otelSink)
	}

	if cfg.Metrics.Webhook.Enabled {
		fwd, err := webhook.NewForwarder(cfg.Metrics.Webhook, runID, webhook.NewHTTPSender(nil), logger)
		if err != nil {
			slog.Error("Failed to create webhook forwarder", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, fwd)
	}

	recorder, err := metrics.NewRecorder(sinks, cfg.Metrics.QueueSize, cfg.Metrics.DropPolicy, logger)
	if err != nil {
		slog.Error("Failed to create event recorder", "error", err)
		os.Exit(1)
	}

	tlsCfg, err := cfg.Target.TLS.Build()
	if err != nil {
		slog.Error("Failed to load TLS configuration", "error", err)
		os.Exit(1)
	}

	opts := client.NewOptions().
		SetURL(cfg.Target.WebSocketURL).
		SetOrigin(cfg.Target.Origin).
		SetTLSConfig(tlsCfg).
		SetHandshakeTimeout(cfg.Target.HandshakeTimeout).
		SetWriteTimeout(cfg.Target.WriteTimeout).
		SetInboxSize(cfg.Target.InboxSize).
		SetCompression(cfg.Target.Compression)
	dialer, err := client.NewDialer(opts, logger)
	if err != nil {
		slog.Error("Failed to create control channel dialer", "error", err)
		os.Exit(1)
	}

	submitter := delivery.New(delivery.Options{
		Timeout:      cfg.Delivery.Timeout,
		TTL:          cfg.Scenarios.TTL,
		Encoding:     cfg.Delivery.Encoding,
		RateLimit:    cfg.Delivery.RateLimit,
		Burst:        cfg.Delivery.Burst,
		MaxIdleConns: cfg.Delivery.MaxIdleConns,
		TLSConfig:    tlsCfg,
	}, recorder, logger)

	resolver, err := endpoint.New(endpoint.Config{
		OverrideURL: cfg.Target.EndpointURL,
		Environment: env,
	})
	if err != nil {
		slog.Error("Failed to create endpoint resolver", "error", err)
		os.Exit(1)
	}
	slog.Info("Endpoint resolution", "rewrites", resolver.Rewrites())

	engine, err := scenario.New(cfg.Scenarios, dialer, submitter, resolver, recorder, logger,
		scenario.WithTracer(providers.Tracer(scenario.TracerName)))
	if err != nil {
		slog.Error("Failed to create scenario engine", "error", err)
		os.Exit(1)
	}

	var mix *harness.Mix
	if cfg.Harness.Scenario == "" {
		mix, err = harness.NewMix(scenario.Names(), cfg.Scenarios.Weight)
		if err != nil {
			slog.Error("Failed to build scenario mix", "error", err)
			os.Exit(1)
		}
	}

	runner, err := harness.New(cfg.Harness, mix, engine, logger)
	if err != nil {
		slog.Error("Failed to create runner", "error", err)
		os.Exit(1)
	}

	st := &status{runner: runner, dialer: dialer, recorder: recorder, stats: collector}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	healthDone := make(chan struct{})
	if cfg.Health.Enabled {
		srv := health.New(cfg.Health, st, logger)
		go func() {
			defer close(healthDone)
			if err := srv.Listen(ctx); err != nil {
				slog.Error("Health server error", "error", err)
			}
		}()
	} else {
		close(healthDone)
	}

	runErr := runner.Run(ctx)
	cancel()
	<-healthDone

	if err := recorder.Close(); err != nil {
		slog.Error("Failed to flush events", "error", err)
	}
	if err := sinks.Close(); err != nil {
		slog.Error("Failed to close event sinks", "error", err)
	}

	otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer otelCancel()
	if err := providers.Shutdown(otelCtx); err != nil {
		slog.Error("Failed to shutdown OpenTelemetry", "error", err)
	}

	rep := st.report(runID)
	rep.Scenario = cfg.Harness.Scenario
	failed := runErr != nil && !errors.Is(runErr, context.Canceled)
	if failed {
		rep.Error = runErr.Error()
		rep.ErrorKind = classify(runErr)
	}
	if err := writeReport(os.Stdout, rep); err != nil {
		slog.Error("Failed to write report", "error", err)
	}

	slog.Info("Push load run finished", "run_id", runID)
	if failed {
		os.Exit(1)
	}
}

func classify(err error) string {
	if errors.Is(err, harness.ErrStopTimeout) {
		return "stop_timeout"
	}
	if errors.Is(err, scenario.ErrUnknownScenario) {
		return "config"
	}
	return metrics.Event{Err: err}.ErrorKind()
}

func writeReport(w io.Writer, rep report) error {
	enc := json.NewEncoder(w)
	return enc.Encode(rep)
}
