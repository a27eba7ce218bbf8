// Package svclife provides the Start/Stop/Ready lifecycle embedded by every
// long-running loop in this service (the Segmentation Scheduler and the two
// Simulation Schedulers), trimmed from the teacher's richer service-registry
// base down to what a single-process scheduler needs.
package svclife

import (
	"strings"
	"sync/atomic"
)

// State is a scheduler's current lifecycle position.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateNotReady
	StateStopping
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateNotReady:
		return "not-ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Base is embedded by schedulers to get a thread-safe state toggle without
// hand-rolled readiness tracking.
type Base struct {
	state atomic.Int32
	name  atomic.Value // string
}

// NewBase constructs a Base with the given display name.
func NewBase(name string) *Base {
	b := &Base{}
	b.name.Store(strings.TrimSpace(name))
	return b
}

// Name returns the scheduler's display name, used in log fields.
func (b *Base) Name() string {
	if v := b.name.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	return State(b.state.Load())
}

// SetState atomically sets the lifecycle state.
func (b *Base) SetState(s State) {
	b.state.Store(int32(s))
}

// CompareAndSwapState atomically transitions state if it currently matches
// expected, returning whether the swap happened.
func (b *Base) CompareAndSwapState(expected, next State) bool {
	return b.state.CompareAndSwap(int32(expected), int32(next))
}

// Ready reports whether the scheduler is accepting work.
func (b *Base) Ready() bool {
	return b.State() == StateReady
}
