// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsResetBuffer(t *testing.T) {
	b := Get()
	b.WriteString(`{"messageType":"hello"}`)
	Put(b)

	b2 := Get()
	assert.Equal(t, 0, b2.Len())
	Put(b2)
}

func TestPutIgnoresOversizedAndNil(t *testing.T) {
	b := Get()
	b.Grow(maxPooledCap + 1)
	Put(b)
	Put(nil)
}

func TestDetachSurvivesReuse(t *testing.T) {
	b := Get()
	b.WriteString("{\"messageType\":\"ack\"}\n")
	out := Detach(b)
	Put(b)

	b2 := Get()
	b2.WriteString("overwritten-overwritten")
	defer Put(b2)

	require.Equal(t, `{"messageType":"ack"}`, string(out))
}

func TestConcurrentGetPut(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Get()
			b.WriteString(`{"messageType":"register","channelID":"c1"}`)
			_ = Detach(b)
			Put(b)
		}()
	}
	wg.Wait()
}
