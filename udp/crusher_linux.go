//go:build linux
// +build linux

// File: udp/crusher_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package udp

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/momentics/crushproxy/api"
	"github.com/momentics/crushproxy/internal/transport"
	"github.com/momentics/crushproxy/meter"
	"github.com/momentics/crushproxy/reactor"
	"go.uber.org/multierr"
)

// Crusher relays datagrams from BindAddress to ConnectAddress through one
// session per client.
type Crusher struct {
	r     *reactor.Reactor
	opts  Options
	log   api.Logger
	clock clock.Clock

	// inner is set and cleared on the loop goroutine.
	inner atomic.Pointer[inner]
	total atomic.Int64
	// buf receives every datagram. Only the loop goroutine touches it.
	buf []byte

	mu    sync.RWMutex
	bound netip.AddrPort
}

var _ api.Crusher = (*Crusher)(nil)

// New validates opts and returns a closed crusher bound to r.
func New(r *reactor.Reactor, opts Options) (*Crusher, error) {
	if r == nil {
		return nil, api.InvalidOption("reactor", nil, "reactor is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = r.Logger()
	}
	return &Crusher{
		r:     r,
		opts:  opts,
		log:   logger,
		clock: opts.Clock,
		buf:   make([]byte, maxDatagram),
	}, nil
}

func (c *Crusher) settings() transport.Settings {
	return transport.Settings{
		RcvBuf:    c.opts.Socket.RcvBuf,
		SndBuf:    c.opts.Socket.SndBuf,
		Broadcast: c.opts.Socket.Broadcast,
		Linger:    transport.NoLinger,
	}
}

// Open binds the socket and starts relaying.
func (c *Crusher) Open() error {
	return c.r.Execute(func() error {
		if c.inner.Load() != nil {
			return api.ErrAlreadyOpen
		}
		in, err := newInner(c)
		if err != nil {
			return err
		}
		if err := in.unfreeze(); err != nil {
			return multierr.Append(err, in.close())
		}
		c.mu.Lock()
		c.bound = in.bound
		c.mu.Unlock()
		c.total.Store(0)
		c.inner.Store(in)
		c.log.Infof("udp crusher <%s>-<%s> is open", in.bound, c.opts.ConnectAddress)
		return nil
	})
}

// Close closes every session and the bound socket. It is idempotent.
func (c *Crusher) Close() error {
	return c.r.Execute(c.closeLoop)
}

func (c *Crusher) closeLoop() error {
	in := c.inner.Swap(nil)
	if in == nil {
		return nil
	}
	err := in.close()
	c.log.Infof("udp crusher <%s>-<%s> is closed, clients %s", in.bound, c.opts.ConnectAddress, in.meters)
	return err
}

// Reopen closes and opens the crusher again.
func (c *Crusher) Reopen() error {
	if err := c.Close(); err != nil {
		c.log.Warnf("udp crusher: close on reopen: %v", err)
	}
	return c.Open()
}

// IsOpen reports whether the crusher is bound.
func (c *Crusher) IsOpen() bool {
	return c.inner.Load() != nil
}

// Freeze stops reading from clients and freezes every session.
func (c *Crusher) Freeze() error {
	return c.r.Execute(func() error {
		in := c.inner.Load()
		if in == nil {
			return api.ErrNotOpen
		}
		if err := in.freeze(); err != nil {
			return err
		}
		c.log.Debugf("udp crusher <%s> is frozen", in.bound)
		return nil
	})
}

// Unfreeze resumes the bound socket and every frozen session.
func (c *Crusher) Unfreeze() error {
	return c.r.Execute(func() error {
		in := c.inner.Load()
		if in == nil {
			return api.ErrNotOpen
		}
		if err := in.unfreeze(); err != nil {
			return err
		}
		c.log.Debugf("udp crusher <%s> is unfrozen", in.bound)
		return nil
	})
}

// IsFrozen reports true when the crusher is frozen or closed.
func (c *Crusher) IsFrozen() bool {
	in := c.inner.Load()
	return in == nil || in.state.IsFrozen()
}

// CloseClient closes the session of client.
func (c *Crusher) CloseClient(client netip.AddrPort) (bool, error) {
	return reactor.Call(c.r, func() (bool, error) {
		o, ok := c.Outer(client)
		if !ok {
			return false, nil
		}
		return true, o.closeLoop()
	})
}

// CloseIdleOlderThan closes every session without traffic for longer
// than d and returns how many were closed.
func (c *Crusher) CloseIdleOlderThan(d time.Duration) (int, error) {
	return reactor.Call(c.r, func() (int, error) {
		in := c.inner.Load()
		if in == nil {
			return 0, nil
		}
		return in.closeIdle(d), nil
	})
}

// BindAddress returns the bound address once open, the configured one
// otherwise.
func (c *Crusher) BindAddress() netip.AddrPort {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bound.IsValid() {
		return c.bound
	}
	return c.opts.BindAddress
}

// ConnectAddress returns the real endpoint address.
func (c *Crusher) ConnectAddress() netip.AddrPort {
	return c.opts.ConnectAddress
}

// ClientAddresses lists clients with a live session.
func (c *Crusher) ClientAddresses() []netip.AddrPort {
	in := c.inner.Load()
	if in == nil {
		return nil
	}
	return in.clients()
}

// Outer returns the session of client.
func (c *Crusher) Outer(client netip.AddrPort) (*Outer, bool) {
	in := c.inner.Load()
	if in == nil {
		return nil, false
	}
	return in.outer(client)
}

// ClientMeters returns the bytes read from and sent to client.
func (c *Crusher) ClientMeters(client netip.AddrPort) (*meter.Meters, bool) {
	o, ok := c.Outer(client)
	if !ok {
		return nil, false
	}
	return o.Meters(), true
}

// ClientFreezer returns the session of client as a Freezer.
func (c *Crusher) ClientFreezer(client netip.AddrPort) (api.Freezer, bool) {
	o, ok := c.Outer(client)
	if !ok {
		return nil, false
	}
	return o, true
}

// InnerMeters returns the bytes read from and sent to all clients since
// Open.
func (c *Crusher) InnerMeters() (*meter.Meters, bool) {
	in := c.inner.Load()
	if in == nil {
		return nil, false
	}
	return in.meters, true
}

// InnerDatagrams returns the datagrams read from and sent to all clients
// since Open.
func (c *Crusher) InnerDatagrams() (*meter.Meters, bool) {
	in := c.inner.Load()
	if in == nil {
		return nil, false
	}
	return in.datagrams, true
}

// ClientTotalCount returns the number of sessions created since Open.
func (c *Crusher) ClientTotalCount() int {
	return int(c.total.Load())
}

func (c *Crusher) notifyCreated(client netip.AddrPort) {
	if l := c.opts.CreationListener; l != nil {
		c.r.Executor().ExecuteListener(func() { l(client) }, c.opts.DeferredListeners)
	}
}

func (c *Crusher) notifyDeleted(client netip.AddrPort, m *meter.Meters) {
	if l := c.opts.DeletionListener; l != nil {
		c.r.Executor().ExecuteListener(func() { l(client, m) }, c.opts.DeferredListeners)
	}
}
