// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools scratch buffers used to encode control frames.
package bufpool

import (
	"bytes"
	"sync"
)

// Frames above this capacity are not returned to the pool.
const maxPooledCap = 16 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// Detach copies the contents of b with trailing newlines removed, so the
// result stays valid after b is put back.
func Detach(b *bytes.Buffer) []byte {
	out := bytes.TrimRight(b.Bytes(), "\n")
	return append([]byte(nil), out...)
}
