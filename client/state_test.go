// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"testing"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateOpen, "open"},
		{StateReady, "ready"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		got := tt.state.String()
		if got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestStateTransition(t *testing.T) {
	sm := newStateManager()
	if sm.get() != StateOpen {
		t.Fatalf("initial state should be open, got %v", sm.get())
	}

	if !sm.transition(StateOpen, StateReady) {
		t.Error("transition open -> ready should succeed")
	}
	if !sm.isReady() {
		t.Errorf("state should be ready, got %v", sm.get())
	}

	if sm.transition(StateOpen, StateReady) {
		t.Error("second hello transition should fail")
	}

	sm.set(StateClosed)
	if !sm.isClosed() || sm.isReady() {
		t.Errorf("state should be closed, got %v", sm.get())
	}
}

func TestStateConcurrentHello(t *testing.T) {
	sm := newStateManager()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sm.transition(StateOpen, StateReady) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("exactly one transition should win, got %d", wins)
	}
}
