// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State represents the control session state.
type State uint32

// Session states.
const (
	StateOpen State = iota
	StateReady
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state uint32
}

func newStateManager() *stateManager {
	return &stateManager{state: uint32(StateOpen)}
}

func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

func (sm *stateManager) set(s State) {
	atomic.StoreUint32(&sm.state, uint32(s))
}

// transition attempts to move from one state to another.
// Returns true if successful.
func (sm *stateManager) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

func (sm *stateManager) isReady() bool {
	return sm.get() == StateReady
}

func (sm *stateManager) isClosed() bool {
	return sm.get() == StateClosed
}
