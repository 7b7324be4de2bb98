//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import (
	"time"

	"github.com/momentics/crushproxy/api"
)

// Reactor is unavailable on this platform.
type Reactor struct{}

// New returns api.ErrNotSupported on unsupported platforms.
func New(Config) (*Reactor, error) {
	return nil, api.ErrNotSupported
}

// Execute always fails on unsupported platforms.
func (r *Reactor) Execute(func() error) error {
	return api.ErrNotSupported
}

// Schedule returns a timer that never fires.
func (r *Reactor) Schedule(time.Duration, func()) *Timer {
	return &Timer{}
}

// Close is a no-op.
func (r *Reactor) Close() error {
	return nil
}
