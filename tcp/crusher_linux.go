//go:build linux
// +build linux

// File: tcp/crusher_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/momentics/crushproxy/api"
	"github.com/momentics/crushproxy/internal/transport"
	"github.com/momentics/crushproxy/meter"
	"github.com/momentics/crushproxy/reactor"
	"go.uber.org/multierr"
)

// Crusher relays TCP connections from BindAddress to ConnectAddress.
type Crusher struct {
	r     *reactor.Reactor
	opts  Options
	log   api.Logger
	clock clock.Clock

	// acceptor is set and cleared on the loop goroutine.
	acceptor atomic.Pointer[acceptor]
	total    atomic.Int64

	mu    sync.RWMutex
	pairs map[netip.AddrPort]*Pair
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
		pairs: make(map[netip.AddrPort]*Pair),
	}, nil
}

func (c *Crusher) settings() transport.Settings {
	s := c.opts.Socket
	return transport.Settings{
		RcvBuf:    s.RcvBuf,
		SndBuf:    s.SndBuf,
		KeepAlive: s.KeepAlive,
		NoDelay:   s.NoDelay,
		Linger:    s.Linger,
	}
}

// Open binds the listening socket and starts accepting connections.
func (c *Crusher) Open() error {
	return c.r.Execute(func() error {
		if c.acceptor.Load() != nil {
			return api.ErrAlreadyOpen
		}
		a, err := newAcceptor(c)
		if err != nil {
			return err
		}
		if err := a.unfreeze(); err != nil {
			return multierr.Append(err, a.close())
		}
		c.mu.Lock()
		c.bound = a.bound
		c.mu.Unlock()
		c.total.Store(0)
		c.acceptor.Store(a)
		c.log.Infof("tcp crusher <%s>-<%s> is open", a.bound, c.opts.ConnectAddress)
		return nil
	})
}

// Close stops accepting and closes every pair. It is idempotent.
func (c *Crusher) Close() error {
	return c.r.Execute(func() error {
		a := c.acceptor.Swap(nil)
		if a == nil {
			return nil
		}
		err := a.close()
		err = multierr.Append(err, c.closeAllPairs())
		c.log.Infof("tcp crusher <%s>-<%s> is closed", a.bound, c.opts.ConnectAddress)
		return err
	})
}

// Reopen closes and opens the crusher again.
func (c *Crusher) Reopen() error {
	if err := c.Close(); err != nil {
		c.log.Warnf("tcp crusher: close on reopen: %v", err)
	}
	return c.Open()
}

// IsOpen reports whether the crusher accepts connections.
func (c *Crusher) IsOpen() bool {
	return c.acceptor.Load() != nil
}

// Freeze stops accepting and freezes every open pair.
func (c *Crusher) Freeze() error {
	return c.r.Execute(func() error {
		a := c.acceptor.Load()
		if a == nil {
			return api.ErrNotOpen
		}
		if err := a.freeze(); err != nil {
			return err
		}
		for _, p := range c.pairList() {
			if p.state.IsOpen() {
				if err := p.freeze(); err != nil {
					c.log.Warnf("tcp crusher: freeze pair <%s>: %v", p.client, err)
				}
			}
		}
		c.log.Debugf("tcp crusher <%s> is frozen", a.bound)
		return nil
	})
}

// Unfreeze resumes every frozen pair and the acceptor.
func (c *Crusher) Unfreeze() error {
	return c.r.Execute(func() error {
		a := c.acceptor.Load()
		if a == nil {
			return api.ErrNotOpen
		}
		if err := a.unfreeze(); err != nil {
			return err
		}
		for _, p := range c.pairList() {
			if p.state.IsFrozen() && !p.state.IsClosed() {
				if err := p.unfreeze(); err != nil {
					c.log.Warnf("tcp crusher: unfreeze pair <%s>: %v", p.client, err)
				}
			}
		}
		c.log.Debugf("tcp crusher <%s> is unfrozen", a.bound)
		return nil
	})
}

// IsFrozen reports true when the crusher is frozen or closed.
func (c *Crusher) IsFrozen() bool {
	a := c.acceptor.Load()
	return a == nil || a.state.IsFrozen()
}

// FreezeAllPairs freezes open pairs but keeps accepting.
func (c *Crusher) FreezeAllPairs() error {
	return c.r.Execute(func() error {
		var err error
		for _, p := range c.pairList() {
			if p.state.IsOpen() {
				err = multierr.Append(err, p.freeze())
			}
		}
		return err
	})
}

// UnfreezeAllPairs resumes frozen pairs.
func (c *Crusher) UnfreezeAllPairs() error {
	return c.r.Execute(func() error {
		var err error
		for _, p := range c.pairList() {
			if p.state.IsFrozen() && !p.state.IsClosed() {
				err = multierr.Append(err, p.unfreeze())
			}
		}
		return err
	})
}

// CloseAllPairs closes every pair but keeps accepting.
func (c *Crusher) CloseAllPairs() error {
	return c.r.Execute(c.closeAllPairs)
}

func (c *Crusher) closeAllPairs() error {
	var err error
	for _, p := range c.pairList() {
		err = multierr.Append(err, p.closeLoop())
	}
	return err
}

// CloseClient closes the pair of client.
func (c *Crusher) CloseClient(client netip.AddrPort) (bool, error) {
	return reactor.Call(c.r, func() (bool, error) {
		p, ok := c.Pair(client)
		if !ok {
			return false, nil
		}
		return true, p.closeLoop()
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

// ClientAddresses lists clients with a live pair.
func (c *Crusher) ClientAddresses() []netip.AddrPort {
	c.mu.RLock()
	out := make([]netip.AddrPort, 0, len(c.pairs))
	for addr := range c.pairs {
		out = append(out, addr)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b netip.AddrPort) int { return a.Compare(b) })
	return out
}

// Pair returns the pair of client.
func (c *Crusher) Pair(client netip.AddrPort) (*Pair, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pairs[client]
	return p, ok
}

// ClientMeters returns the client-side statistics of a pair.
func (c *Crusher) ClientMeters(client netip.AddrPort) (*meter.Meters, bool) {
	p, ok := c.Pair(client)
	if !ok {
		return nil, false
	}
	return p.Meters(), true
}

// ClientFreezer returns the pair of client as a Freezer.
func (c *Crusher) ClientFreezer(client netip.AddrPort) (api.Freezer, bool) {
	p, ok := c.Pair(client)
	if !ok {
		return nil, false
	}
	return p, true
}

// ClientTotalCount returns the number of pairs created since Open.
func (c *Crusher) ClientTotalCount() int {
	return int(c.total.Load())
}

func (c *Crusher) pairList() []*Pair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Pair, 0, len(c.pairs))
	for _, p := range c.pairs {
		out = append(out, p)
	}
	return out
}

// addPair wires two connected sockets into a pair. It runs on the loop.
func (c *Crusher) addPair(cfd, ofd int, client netip.AddrPort) {
	p, err := newPair(c, cfd, ofd, client)
	if err != nil {
		c.log.Errorf("tcp crusher: fail to create pair for <%s>: %v", client, err)
		abortBoth(cfd, ofd)
		return
	}

	c.mu.Lock()
	if old, ok := c.pairs[client]; ok {
		c.log.Warnf("tcp crusher: replacing pair %s for <%s>", old.key, client)
	}
	c.pairs[client] = p
	c.mu.Unlock()
	c.total.Add(1)

	if a := c.acceptor.Load(); a != nil && a.state.IsOpen() {
		if err := p.unfreeze(); err != nil {
			c.log.Errorf("tcp crusher: fail to start pair for <%s>: %v", client, err)
			_ = p.closeLoop()
			return
		}
	}
	c.log.Debugf("tcp crusher: pair %s for <%s> is created", p.key, client)
	c.notifyCreated(client)
}

func (c *Crusher) removePair(p *Pair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pairs[p.client]; ok && cur == p {
		delete(c.pairs, p.client)
	}
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
