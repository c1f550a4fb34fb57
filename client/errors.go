// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors. Session operations wrap them with one of the protocol
// failure classes (protocol.ErrConnection, protocol.ErrProtocol, ...).
var (
	// Configuration errors.
	ErrNoURL         = errors.New("control channel URL not configured")
	ErrInvalidScheme = errors.New("control channel URL must use ws or wss")
	ErrInvalidInbox  = errors.New("inbox size must be positive")

	// Session errors.
	ErrSessionClosed     = errors.New("session closed")
	ErrHandshakeRequired = errors.New("hello must complete before this operation")
	ErrAlreadyGreeted    = errors.New("hello already completed on this session")

	// Protocol errors.
	ErrUnexpectedMessage = errors.New("unexpected message")
	ErrChannelMismatch   = errors.New("reply for a different channel")
	ErrMissingUAID       = errors.New("hello reply without uaid")
	ErrMissingEndpoint   = errors.New("register reply without pushEndpoint")
	ErrUnknownChannel    = errors.New("notification for a channel not registered on this session")
)
