// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import "strings"

// Environment variables overriding the target URLs.
const (
	EnvWebSocketURL = "AUTOPUSH_WEBSOCKET_URL"
	EnvEndpointURL  = "AUTOPUSH_ENDPOINT_URL"
)

// ApplyEnv overlays the target URLs from lookup, typically os.LookupEnv.
// Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvWebSocketURL); ok && v != "" {
		c.Target.WebSocketURL = v
	}
	if v, ok := lookup(EnvEndpointURL); ok && v != "" {
		c.Target.EndpointURL = v
	}
}

// ResolvedEnvironment returns Environment, or "dev" when it is unset and the
// WebSocket URL mentions dev.
func (t TargetConfig) ResolvedEnvironment() string {
	if t.Environment != "" {
		return t.Environment
	}
	if strings.Contains(t.WebSocketURL, "dev") {
		return "dev"
	}
	return ""
}

// Weight returns the mix weight of scenario name.
func (s ScenarioConfig) Weight(name string) int {
	if w, ok := s.Weights[name]; ok {
		return w
	}
	return 1
}
