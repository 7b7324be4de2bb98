//go:build linux
// +build linux

// File: udp/endpoint_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package udp

import (
	"net/netip"
	"time"

	"github.com/momentics/crushproxy/api"
	"github.com/momentics/crushproxy/internal/state"
	"github.com/momentics/crushproxy/internal/transport"
	"github.com/momentics/crushproxy/pool"
	"github.com/momentics/crushproxy/reactor"
	"golang.org/x/sys/unix"
)

// readBurst caps the datagrams read in one readiness event.
const readBurst = 64

// endpoint is the socket, registration and send queue shared by the inner
// and the outer side.
type endpoint struct {
	c        *Crusher
	fd       int
	reg      *reactor.Registration
	state    *state.Lifecycle
	queue    *pool.DatagramQueue
	throttle *reactor.Timer
}

func (e *endpoint) register(cb reactor.Callback) error {
	reg, err := e.c.r.Register(e.fd, 0, cb)
	if err != nil {
		return err
	}
	e.reg = reg
	return nil
}

func (e *endpoint) updateInterest() {
	if e.reg == nil || !e.reg.Valid() {
		return
	}
	var want reactor.Interest
	if e.state.IsOpen() {
		want = reactor.Read
		if !e.state.IsThrottled() && e.queue.Len() > 0 {
			want |= reactor.Write
		}
	}
	if err := e.reg.SetInterest(want); err != nil {
		e.c.log.Debugf("udp fd %d: interest %s: %v", e.fd, want, err)
	}
}

func (e *endpoint) freeze() error {
	if err := e.state.Freeze(); err != nil {
		return err
	}
	e.updateInterest()
	return nil
}

func (e *endpoint) unfreeze() error {
	if err := e.state.Unfreeze(); err != nil {
		return err
	}
	e.updateInterest()
	return nil
}

// close releases the socket. It reports false when already closed.
func (e *endpoint) close() (bool, error) {
	if !e.state.Close() {
		return false, nil
	}
	e.throttle.Cancel()
	if e.reg != nil {
		e.reg.Cancel()
	}
	return true, unix.Close(e.fd)
}

// throttleFor suspends writes and calls resume once delay elapsed.
func (e *endpoint) throttleFor(delay time.Duration, resume reactor.Callback) {
	e.state.SetThrottled(true)
	e.updateInterest()
	e.throttle = e.c.r.Schedule(delay, func() {
		e.state.SetThrottled(false)
		if e.state.IsOpen() {
			resume(reactor.Write)
		}
	})
}

// flush sends due datagrams until the socket would block or the head is
// throttled. An empty datagram found after a successful send waits for
// the next writable event, so it always leaves the socket alone. The
// returned delay is positive when the head is throttled.
func (e *endpoint) flush(send func(addr netip.AddrPort, b []byte) error) (time.Duration, error) {
	now := e.c.clock.Now()
	sent := 0
	for e.state.IsOpen() {
		addr, payload, delay, ok := e.queue.Request(now)
		if !ok {
			return delay, nil
		}
		if len(payload) == 0 && sent > 0 {
			return api.NoDelay, nil
		}
		err := send(addr, payload)
		switch {
		case err == nil:
			sent++
			e.queue.Release()
		case transport.IsTemporary(err):
			e.queue.Retry()
			return api.NoDelay, nil
		case transport.IsPermission(err):
			e.c.log.Debugf("udp fd %d: send to <%s> suppressed: %v", e.fd, addr, err)
			e.queue.Release()
		default:
			return api.NoDelay, err
		}
	}
	return api.NoDelay, nil
}

// filterDatagram runs the pass filter and then the transform filter. A
// nil transform result drops the datagram.
func filterDatagram(client netip.AddrPort, b []byte, pass api.PassFilter, transform api.TransformFilter) ([]byte, bool) {
	if pass != nil {
		var ok bool
		if b, ok = pass.Check(client, b); !ok {
			return nil, false
		}
	}
	if transform != nil {
		if b = transform.Transform(client, b); b == nil {
			return nil, false
		}
	}
	return b, true
}
