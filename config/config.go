// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a load run.
type Config struct {
	Target    TargetConfig   `yaml:"target"`
	Scenarios ScenarioConfig `yaml:"scenarios"`
	Delivery  DeliveryConfig `yaml:"delivery"`
	Harness   HarnessConfig  `yaml:"harness"`
	Log       LogConfig      `yaml:"log"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Health    HealthConfig   `yaml:"health"`
}

// TargetConfig addresses the push service under test.
type TargetConfig struct {
	WebSocketURL string `yaml:"websocket_url"`
	// EndpointURL overrides the scheme and host of push endpoints when the
	// delivery plane is addressed separately. Empty disables rewriting.
	EndpointURL string `yaml:"endpoint_url"`
	// Environment names the deployment. "dev" disables endpoint rewriting.
	// Empty derives it from WebSocketURL.
	Environment      string        `yaml:"environment"`
	Origin           string        `yaml:"origin"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	InboxSize        int           `yaml:"inbox_size"`
	Compression      bool          `yaml:"compression"`
	TLS              TLSConfig     `yaml:"tls"`
}

// TLSConfig configures wss:// and https:// connections.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// ScenarioConfig holds the parameters shared by all scenarios.
type ScenarioConfig struct {
	// Payloads are base64url ciphertexts. The first two are used by the
	// topic scenario.
	Payloads []string `yaml:"payloads"`
	TTL      int      `yaml:"ttl"`
	Topic    string   `yaml:"topic"`

	// ReceiveTimeout bounds receives on the first connection of a scenario.
	// Zero blocks until the run is cancelled.
	ReceiveTimeout       time.Duration `yaml:"receive_timeout"`
	TopicTimeout         time.Duration `yaml:"topic_timeout"`
	StoredTimeout        time.Duration `yaml:"stored_timeout"`
	StoredCount          int           `yaml:"stored_count"`
	HoldDuration         time.Duration `yaml:"hold_duration"`
	ForeverInterval      time.Duration `yaml:"forever_interval"`
	UnsubscribedInterval time.Duration `yaml:"unsubscribed_interval"`
	UnsubscribedWait     time.Duration `yaml:"unsubscribed_wait"`
	MaxReceiveFailures   int           `yaml:"max_receive_failures"`

	// Weights selects scenarios for the harness mix. Missing names get
	// weight 1; zero disables a scenario.
	Weights map[string]int `yaml:"weights"`
}

// DeliveryConfig configures the HTTP delivery client.
type DeliveryConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	Encoding     string        `yaml:"encoding"`
	RateLimit    float64       `yaml:"rate_limit"` // submissions per second, 0 = unlimited
	Burst        int           `yaml:"burst"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
}

// HarnessConfig configures the virtual user runner.
type HarnessConfig struct {
	Users int `yaml:"users"`
	// Duration stops the run. Zero runs until interrupted.
	Duration time.Duration `yaml:"duration"`
	// Scenario runs a single named scenario once instead of the mix.
	Scenario    string        `yaml:"scenario"`
	SpawnRate   float64       `yaml:"spawn_rate"` // users started per second, 0 = all at once
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig selects the event sinks.
type MetricsConfig struct {
	QueueSize  int           `yaml:"queue_size"`
	DropPolicy string        `yaml:"drop_policy"` // "block", "oldest" or "newest"
	JSONL      string        `yaml:"jsonl"`       // events file, ".zst" compresses
	Journal    JournalConfig `yaml:"journal"`
	OTel       OTelConfig    `yaml:"otel"`
	Webhook    WebhookConfig `yaml:"webhook"`
}

// JournalConfig configures the BadgerDB event journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// OTelConfig configures OpenTelemetry export.
type OTelConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Endpoint        string        `yaml:"endpoint"` // OTLP gRPC collector
	Insecure        bool          `yaml:"insecure"` // plaintext gRPC to the collector
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"`
	ExportInterval  time.Duration `yaml:"export_interval"`
}

// WebhookConfig configures forwarding of events to an HTTP aggregator.
type WebhookConfig struct {
	Enabled         bool                 `yaml:"enabled"`
	URL             string               `yaml:"url"`
	Headers         map[string]string    `yaml:"headers"`
	QueueSize       int                  `yaml:"queue_size"`
	DropPolicy      string               `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int                  `yaml:"workers"`          // Number of worker goroutines
	Timeout         time.Duration        `yaml:"timeout"`          // Per request
	ShutdownTimeout time.Duration        `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Retry           RetryConfig          `yaml:"retry"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// HealthConfig configures the liveness and stats endpoint.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default payloads: opaque ciphertext placeholders.
const (
	DefaultPayload      = "aLongStringOfEncryptedThings"
	DefaultTopicPayload = "aDiffferentStringFullOfStuff"
)

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Target: TargetConfig{
			WebSocketURL:     "ws://localhost:8080",
			Origin:           "http://localhost:1337",
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     5 * time.Second,
			InboxSize:        64,
		},
		Scenarios: ScenarioConfig{
			Payloads:             []string{DefaultPayload, DefaultTopicPayload},
			TTL:                  60,
			Topic:                "aaaa",
			TopicTimeout:         60 * time.Second,
			StoredTimeout:        30 * time.Second,
			StoredCount:          10,
			HoldDuration:         30 * time.Second,
			ForeverInterval:      15 * time.Second,
			UnsubscribedInterval: 30 * time.Second,
			UnsubscribedWait:     time.Second,
			MaxReceiveFailures:   3,
			Weights:              map[string]int{},
		},
		Delivery: DeliveryConfig{
			Timeout:      30 * time.Second,
			Encoding:     "aes128gcm",
			MaxIdleConns: 100,
		},
		Harness: HarnessConfig{
			Users:       1,
			StopTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			QueueSize:  4096,
			DropPolicy: "block",
			Journal: JournalConfig{
				Dir: "/tmp/pushload/journal",
			},
			OTel: OTelConfig{
				Endpoint:        "localhost:4317",
				Insecure:        true,
				ServiceName:     "pushload",
				ServiceVersion:  "1.0.0",
				MetricsEnabled:  true,
				TraceSampleRate: 0.1,
				ExportInterval:  10 * time.Second,
			},
			Webhook: WebhookConfig{
				QueueSize:       10000,
				DropPolicy:      "oldest",
				Workers:         2,
				Timeout:         5 * time.Second,
				ShutdownTimeout: 30 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
		},
		Health: HealthConfig{
			Addr:            ":8089",
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Target.WebSocketURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("target.websocket_url must be a ws:// or wss:// URL")
	}
	if c.Target.EndpointURL != "" {
		u, err := url.Parse(c.Target.EndpointURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("target.endpoint_url must be an http:// or https:// URL")
		}
	}
	if c.Target.InboxSize < 1 {
		return fmt.Errorf("target.inbox_size must be at least 1")
	}
	if c.Target.HandshakeTimeout < 0 || c.Target.WriteTimeout < 0 {
		return fmt.Errorf("target timeouts cannot be negative")
	}

	if len(c.Scenarios.Payloads) < 2 {
		return fmt.Errorf("scenarios.payloads must contain at least two payloads")
	}
	first, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(c.Scenarios.Payloads[0], "="))
	if err != nil {
		return fmt.Errorf("scenarios.payloads[0] must be base64url: %w", err)
	}
	second, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(c.Scenarios.Payloads[1], "="))
	if err != nil {
		return fmt.Errorf("scenarios.payloads[1] must be base64url: %w", err)
	}
	if bytes.Equal(first, second) {
		return fmt.Errorf("scenarios.payloads[0] and scenarios.payloads[1] must differ")
	}
	if c.Scenarios.TTL < 0 {
		return fmt.Errorf("scenarios.ttl cannot be negative")
	}
	if c.Scenarios.StoredCount < 1 {
		return fmt.Errorf("scenarios.stored_count must be at least 1")
	}
	if c.Scenarios.MaxReceiveFailures < 1 {
		return fmt.Errorf("scenarios.max_receive_failures must be at least 1")
	}
	if c.Scenarios.ReceiveTimeout < 0 || c.Scenarios.TopicTimeout < 0 || c.Scenarios.StoredTimeout < 0 {
		return fmt.Errorf("scenario timeouts cannot be negative")
	}
	if c.Scenarios.UnsubscribedWait <= 0 {
		return fmt.Errorf("scenarios.unsubscribed_wait must be positive")
	}
	for name, w := range c.Scenarios.Weights {
		if w < 0 {
			return fmt.Errorf("scenarios.weights.%s cannot be negative", name)
		}
	}

	if c.Delivery.Timeout <= 0 {
		return fmt.Errorf("delivery.timeout must be positive")
	}
	if c.Delivery.Encoding == "" {
		return fmt.Errorf("delivery.encoding cannot be empty")
	}
	if c.Delivery.RateLimit < 0 || c.Delivery.Burst < 0 {
		return fmt.Errorf("delivery.rate_limit and delivery.burst cannot be negative")
	}

	if c.Harness.Users < 1 {
		return fmt.Errorf("harness.users must be at least 1")
	}
	if c.Harness.Duration < 0 {
		return fmt.Errorf("harness.duration cannot be negative")
	}
	if c.Harness.SpawnRate < 0 {
		return fmt.Errorf("harness.spawn_rate cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validPolicies := map[string]bool{"oldest": true, "newest": true}
	if c.Metrics.DropPolicy != "block" && !validPolicies[c.Metrics.DropPolicy] {
		return fmt.Errorf("metrics.drop_policy must be one of: block, oldest, newest")
	}
	if c.Metrics.Journal.Enabled && c.Metrics.Journal.Dir == "" {
		return fmt.Errorf("metrics.journal.dir required when the journal is enabled")
	}
	if c.Metrics.OTel.Enabled {
		if c.Metrics.OTel.Endpoint == "" {
			return fmt.Errorf("metrics.otel.endpoint required when otel is enabled")
		}
		if c.Metrics.OTel.TraceSampleRate < 0 || c.Metrics.OTel.TraceSampleRate > 1 {
			return fmt.Errorf("metrics.otel.trace_sample_rate must be between 0 and 1")
		}
	}
	if c.Metrics.Webhook.Enabled {
		wh := c.Metrics.Webhook
		if wh.URL == "" {
			return fmt.Errorf("metrics.webhook.url required when the webhook is enabled")
		}
		if !validPolicies[wh.DropPolicy] {
			return fmt.Errorf("metrics.webhook.drop_policy must be one of: oldest, newest")
		}
		if wh.Workers < 1 {
			return fmt.Errorf("metrics.webhook.workers must be at least 1")
		}
		if wh.QueueSize < 1 {
			return fmt.Errorf("metrics.webhook.queue_size must be at least 1")
		}
		if wh.Retry.MaxAttempts < 1 {
			return fmt.Errorf("metrics.webhook.retry.max_attempts must be at least 1")
		}
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr required when health is enabled")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Build returns the tls.Config for the target, or nil when nothing is set.
func (t TLSConfig) Build() (*tls.Config, error) {
	if t.CAFile == "" && t.ServerName == "" && !t.InsecureSkipVerify {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // opt-in for test deployments
	}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
