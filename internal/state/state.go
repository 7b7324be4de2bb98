// File: internal/state/state.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Lifecycle state shared by every socket-owning component: acceptor,
// pair channels, datagram inner and outer.

package state

import (
	"fmt"
	"sync/atomic"

	"github.com/momentics/crushproxy/api"
)

// State is the lifecycle phase of a component.
type State int32

const (
	Open State = iota
	Frozen
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Frozen:
		return "frozen"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Lifecycle is a tagged OPEN/FROZEN/CLOSED state plus an independent
// send-throttled flag. Transitions happen on the reactor goroutine; reads
// are atomic so status can be queried from anywhere.
type Lifecycle struct {
	state     atomic.Int32
	throttled atomic.Bool
}

// New returns a lifecycle in the initial state.
func New(initial State) *Lifecycle {
	l := &Lifecycle{}
	l.state.Store(int32(initial))
	return l
}

// Get returns the current state.
func (l *Lifecycle) Get() State {
	return State(l.state.Load())
}

// Is reports whether the current state is s.
func (l *Lifecycle) Is(s State) bool {
	return l.Get() == s
}

// Freeze moves OPEN to FROZEN.
func (l *Lifecycle) Freeze() error {
	return l.transition(Open, Frozen)
}

// Unfreeze moves FROZEN to OPEN.
func (l *Lifecycle) Unfreeze() error {
	return l.transition(Frozen, Open)
}

// Close moves any state to CLOSED. It reports false when already closed.
func (l *Lifecycle) Close() bool {
	return State(l.state.Swap(int32(Closed))) != Closed
}

// IsFrozen reports true for FROZEN and CLOSED.
func (l *Lifecycle) IsFrozen() bool {
	return l.Get() != Open
}

// IsOpen reports whether the state is OPEN.
func (l *Lifecycle) IsOpen() bool {
	return l.Is(Open)
}

// IsClosed reports whether the state is CLOSED.
func (l *Lifecycle) IsClosed() bool {
	return l.Is(Closed)
}

// SetThrottled sets the send-throttled flag.
func (l *Lifecycle) SetThrottled(v bool) {
	l.throttled.Store(v)
}

// IsThrottled reports the send-throttled flag.
func (l *Lifecycle) IsThrottled() bool {
	return l.throttled.Load()
}

func (l *Lifecycle) transition(from, to State) error {
	if l.state.CompareAndSwap(int32(from), int32(to)) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s from %s", api.ErrInvalidTransition, from, to, l.Get())
}

func (l *Lifecycle) String() string {
	if l.IsThrottled() {
		return l.Get().String() + "+throttled"
	}
	return l.Get().String()
}
