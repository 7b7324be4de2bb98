//go:build linux
// +build linux

// File: tcp/pair_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/momentics/crushproxy/api"
	"github.com/momentics/crushproxy/internal/state"
	"github.com/momentics/crushproxy/meter"
	"github.com/momentics/crushproxy/pool"
	"github.com/momentics/crushproxy/reactor"
	"go.uber.org/multierr"
)

// Pair relays one accepted client connection to its own outbound
// connection. The inner channel faces the client, the outer one faces the
// real endpoint.
type Pair struct {
	c       *Crusher
	key     uuid.UUID
	client  netip.AddrPort
	created time.Time
	state   *state.Lifecycle
	inner   *channel
	outer   *channel
	linger  *reactor.Timer
}

var _ api.Freezer = (*Pair)(nil)

func newPair(c *Crusher, cfd, ofd int, client netip.AddrPort) (*Pair, error) {
	opts := c.opts
	outgoing, err := pool.NewBufferQueue(pool.BufferConfig{
		Count:     opts.Buffer.Count,
		Size:      opts.Buffer.Size,
		Client:    client,
		Filter:    newTransform(opts.OutgoingTransformFilterFactory, client),
		Throttler: newThrottler(opts.OutgoingThrottlerFactory, client),
		Clock:     c.clock,
	})
	if err != nil {
		return nil, err
	}
	incoming, err := pool.NewBufferQueue(pool.BufferConfig{
		Count:     opts.Buffer.Count,
		Size:      opts.Buffer.Size,
		Client:    client,
		Filter:    newTransform(opts.IncomingTransformFilterFactory, client),
		Throttler: newThrottler(opts.IncomingThrottlerFactory, client),
		Clock:     c.clock,
	})
	if err != nil {
		return nil, err
	}

	p := &Pair{
		c:       c,
		key:     uuid.New(),
		client:  client,
		created: c.clock.Now(),
		state:   state.New(state.Frozen),
	}
	p.inner = newChannel(p, "inner", cfd, incoming, outgoing)
	p.outer = newChannel(p, "outer", ofd, outgoing, incoming)
	p.inner.other = p.outer
	p.outer.other = p.inner

	if err := p.inner.register(); err != nil {
		return nil, err
	}
	if err := p.outer.register(); err != nil {
		p.inner.reg.Cancel()
		return nil, err
	}
	return p, nil
}

func newTransform(f api.TransformFilterFactory, client netip.AddrPort) api.TransformFilter {
	if f == nil {
		return nil
	}
	return f(client)
}

func newThrottler(f api.ThrottlerFactory, client netip.AddrPort) api.Throttler {
	if f == nil {
		return nil
	}
	return f(client)
}

// Key returns the unique pair key.
func (p *Pair) Key() uuid.UUID {
	return p.key
}

// ClientAddress returns the address of the accepted client.
func (p *Pair) ClientAddress() netip.AddrPort {
	return p.client
}

// Created returns the creation time.
func (p *Pair) Created() time.Time {
	return p.created
}

// Meters returns the client side statistics: bytes read from and sent to
// the client.
func (p *Pair) Meters() *meter.Meters {
	return p.inner.meters
}

// OuterMeters returns the endpoint side statistics.
func (p *Pair) OuterMeters() *meter.Meters {
	return p.outer.meters
}

// Freeze stops both directions.
func (p *Pair) Freeze() error {
	return p.c.r.Execute(p.freeze)
}

// Unfreeze resumes both directions.
func (p *Pair) Unfreeze() error {
	return p.c.r.Execute(p.unfreeze)
}

// IsFrozen reports true for frozen and closed pairs.
func (p *Pair) IsFrozen() bool {
	return p.state.IsFrozen()
}

// IsOpen reports whether the pair has not been closed.
func (p *Pair) IsOpen() bool {
	return !p.state.IsClosed()
}

// Close closes both sockets. It is idempotent.
func (p *Pair) Close() error {
	return p.c.r.Execute(p.closeLoop)
}

func (p *Pair) freeze() error {
	if err := p.state.Freeze(); err != nil {
		return err
	}
	return multierr.Append(p.inner.freeze(), p.outer.freeze())
}

func (p *Pair) unfreeze() error {
	if err := p.state.Unfreeze(); err != nil {
		return err
	}
	return multierr.Append(p.inner.unfreeze(), p.outer.unfreeze())
}

// closeLoop closes the pair once, removes it from the crusher and fires
// the deletion listener.
func (p *Pair) closeLoop() error {
	if !p.state.Close() {
		return nil
	}
	p.linger.Cancel()
	err := multierr.Append(p.inner.close(), p.outer.close())
	p.c.removePair(p)
	p.c.log.Debugf("tcp pair %s for <%s> is closed, client %s", p.key, p.client, p.inner.meters)
	p.c.notifyDeleted(p.client, p.inner.meters)
	return err
}

// startLinger bounds the half-closed phase after the first EOF.
func (p *Pair) startLinger() {
	if p.linger != nil {
		return
	}
	p.linger = p.c.r.Schedule(p.c.opts.LingerTimeout, func() {
		if p.state.IsClosed() {
			return
		}
		p.c.log.Debugf("tcp pair %s for <%s>: linger expired", p.key, p.client)
		_ = p.closeLoop()
	})
}

// settle closes the pair when both directions reached EOF and drained.
func (p *Pair) settle() {
	if p.state.IsClosed() {
		return
	}
	in, out := p.inner, p.outer
	if in.readEOF && out.readEOF && !in.incoming.HasDrainable() && !out.incoming.HasDrainable() {
		_ = p.closeLoop()
	}
}
