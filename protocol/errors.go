// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"errors"
)

// Failure classes shared by the control and delivery channels.
var (
	// ErrConnection reports a transport-level failure to open or keep a connection.
	ErrConnection = errors.New("connection error")

	// ErrProtocol reports an unexpected message tag, a missing field or a
	// non-success status in a server reply.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout reports a bounded wait that expired.
	ErrTimeout = errors.New("timeout")

	// ErrAssertion reports an observed value that violates a scenario's
	// success condition.
	ErrAssertion = errors.New("assertion failed")
)

// Error kinds used to tag failed metric events.
const (
	KindConnection = "connection"
	KindProtocol   = "protocol"
	KindTimeout    = "timeout"
	KindAssertion  = "assertion"
	KindCanceled   = "canceled"
	KindUnknown    = "unknown"
)

// Classify maps an error to one of the Kind* constants. A nil error maps to "".
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrAssertion):
		return KindAssertion
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindUnknown
	}
}
