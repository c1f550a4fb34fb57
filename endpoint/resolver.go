// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package endpoint maps push endpoints returned at registration time to the
// URL that delivery requests are sent to.
package endpoint

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/absmach/pushload/protocol"
)

// DevEnvironment disables rewriting: dev deployments serve the control and
// delivery planes from the same host.
const DevEnvironment = "dev"

var (
	ErrInvalidOverride = errors.New("invalid endpoint override URL")
	ErrInvalidEndpoint = errors.New("invalid push endpoint")
)

// Config selects the rewrite policy.
type Config struct {
	// OverrideURL is the base URL of a separately addressed delivery plane.
	// Empty disables rewriting.
	OverrideURL string

	// Environment names the deployment target. Rewriting never applies to
	// DevEnvironment.
	Environment string
}

// Descriptor is a resolved push endpoint.
type Descriptor struct {
	Raw       string
	Rewritten string
}

// URL returns the URL to deliver to.
func (d Descriptor) URL() string {
	if d.Rewritten != "" {
		return d.Rewritten
	}
	return d.Raw
}

// Resolver is immutable after New and safe for concurrent use.
type Resolver struct {
	override *url.URL
	rewrite  bool
}

// New parses cfg.OverrideURL.
func New(cfg Config) (*Resolver, error) {
	r := &Resolver{}
	if cfg.OverrideURL == "" {
		return r, nil
	}

	u, err := parseHTTP(cfg.OverrideURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOverride, err)
	}
	r.override = u
	r.rewrite = cfg.Environment != DevEnvironment
	return r, nil
}

// Rewrites reports whether Resolve replaces the scheme and host of endpoints.
func (r *Resolver) Rewrites() bool {
	return r.rewrite
}

// Resolve returns the descriptor for raw. When rewriting applies, the path of
// raw is joined onto the override URL; query and fragment are dropped.
func (r *Resolver) Resolve(raw string) (Descriptor, error) {
	u, err := parseHTTP(raw)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %w: %w", protocol.ErrProtocol, ErrInvalidEndpoint, err)
	}

	d := Descriptor{Raw: raw}
	if !r.rewrite {
		return d, nil
	}

	ref := &url.URL{Path: u.Path, RawPath: u.RawPath}
	d.Rewritten = r.override.ResolveReference(ref).String()
	return d, nil
}

func parseHTTP(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	return u, nil
}
