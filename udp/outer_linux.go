//go:build linux
// +build linux

// File: udp/outer_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package udp

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/momentics/crushproxy/api"
	"github.com/momentics/crushproxy/internal/state"
	"github.com/momentics/crushproxy/internal/transport"
	"github.com/momentics/crushproxy/meter"
	"github.com/momentics/crushproxy/pool"
	"github.com/momentics/crushproxy/reactor"
	"golang.org/x/sys/unix"
)

// Outer is the session of one client: a socket connected to the real
// endpoint with its own queue, filters and throttler.
type Outer struct {
	endpoint
	in      *inner
	key     uuid.UUID
	client  netip.AddrPort
	target  netip.AddrPort
	created time.Time
	// lastActivity is in unix nanoseconds of the crusher clock.
	lastActivity atomic.Int64

	// meters and datagrams count client side traffic, outerMeters the
	// traffic exchanged with the endpoint.
	meters      *meter.Meters
	datagrams   *meter.Meters
	outerMeters *meter.Meters

	incomingPass      api.PassFilter
	outgoingPass      api.PassFilter
	incomingTransform api.TransformFilter
	outgoingTransform api.TransformFilter
	throttler         api.Throttler
}

var _ api.Freezer = (*Outer)(nil)

func newOuter(in *inner, client netip.AddrPort) (*Outer, error) {
	c := in.c
	opts := c.opts
	q, err := pool.NewDatagramQueue(opts.Buffer.Count, opts.Buffer.Size, c.log)
	if err != nil {
		return nil, err
	}
	fd, err := transport.OpenUDP(netip.AddrPort{}, opts.ConnectAddress, c.settings())
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	o := &Outer{
		endpoint: endpoint{
			c:     c,
			fd:    fd,
			state: state.New(state.Frozen),
			queue: q,
		},
		in:          in,
		key:         uuid.New(),
		client:      client,
		target:      opts.ConnectAddress,
		created:     now,
		meters:      meter.NewMeters(c.clock),
		datagrams:   meter.NewMeters(c.clock),
		outerMeters: meter.NewMeters(c.clock),
	}
	o.lastActivity.Store(now.UnixNano())
	if f := opts.IncomingPassFilterFactory; f != nil {
		o.incomingPass = f(client)
	}
	if f := opts.OutgoingPassFilterFactory; f != nil {
		o.outgoingPass = f(client)
	}
	if f := opts.IncomingTransformFilterFactory; f != nil {
		o.incomingTransform = f(client)
	}
	if f := opts.OutgoingTransformFilterFactory; f != nil {
		o.outgoingTransform = f(client)
	}
	if f := opts.OutgoingThrottlerFactory; f != nil {
		o.throttler = f(client)
	}
	if err := o.register(o.callback); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return o, nil
}

// Key returns the unique session key.
func (o *Outer) Key() uuid.UUID {
	return o.key
}

// ClientAddress returns the address of the client.
func (o *Outer) ClientAddress() netip.AddrPort {
	return o.client
}

// Created returns the creation time.
func (o *Outer) Created() time.Time {
	return o.created
}

// Meters returns the bytes read from and sent to the client.
func (o *Outer) Meters() *meter.Meters {
	return o.meters
}

// Datagrams returns the datagrams read from and sent to the client.
func (o *Outer) Datagrams() *meter.Meters {
	return o.datagrams
}

// OuterMeters returns the bytes exchanged with the endpoint.
func (o *Outer) OuterMeters() *meter.Meters {
	return o.outerMeters
}

// IdleDuration returns the time since the last datagram in either
// direction.
func (o *Outer) IdleDuration() time.Duration {
	return o.idle(o.c.clock.Now())
}

func (o *Outer) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, o.lastActivity.Load()))
}

func (o *Outer) touch(now time.Time) {
	o.lastActivity.Store(now.UnixNano())
}

// Freeze stops the session. Datagrams from the client are dropped while
// the session queue is full.
func (o *Outer) Freeze() error {
	return o.c.r.Execute(o.freeze)
}

// Unfreeze resumes the session.
func (o *Outer) Unfreeze() error {
	return o.c.r.Execute(o.unfreeze)
}

// IsFrozen reports true for frozen and closed sessions.
func (o *Outer) IsFrozen() bool {
	return o.state.IsFrozen()
}

// IsOpen reports whether the session has not been closed.
func (o *Outer) IsOpen() bool {
	return !o.state.IsClosed()
}

// Close closes the session. It is idempotent.
func (o *Outer) Close() error {
	return o.c.r.Execute(o.closeLoop)
}

// closeLoop closes the socket once, removes the session from the inner
// side and fires the deletion listener.
func (o *Outer) closeLoop() error {
	if n := o.queue.Len(); n > 0 && !o.state.IsClosed() {
		o.c.log.Warnf("udp session <%s>: %d datagrams with %d bytes are discarded on close",
			o.client, n, o.queue.PendingBytes())
	}
	closed, err := o.endpoint.close()
	if !closed {
		return nil
	}
	o.queue.Reset()
	o.in.remove(o)
	o.c.log.Debugf("udp session %s for <%s> is closed, client %s", o.key, o.client, o.meters)
	o.c.notifyDeleted(o.client, o.meters)
	return err
}

func (o *Outer) callback(ready reactor.Interest) {
	if err := o.handle(ready); err != nil {
		if transport.IsReset(err) {
			o.c.log.Debugf("udp session <%s>: %v", o.client, err)
		} else {
			o.c.log.Warnf("udp session <%s>: %v", o.client, err)
		}
		_ = o.closeLoop()
	}
}

func (o *Outer) handle(ready reactor.Interest) error {
	if !o.state.IsOpen() {
		return nil
	}
	if ready&reactor.Error != 0 {
		if err := transport.SocketError(o.fd); err != nil {
			return fmt.Errorf("outer socket: %w", err)
		}
	}
	if ready&reactor.Write != 0 {
		if err := o.handleWritable(); err != nil {
			return err
		}
	}
	if ready&reactor.Read != 0 {
		if err := o.handleReadable(); err != nil {
			return err
		}
	}
	return nil
}

func (o *Outer) handleWritable() error {
	if o.state.IsThrottled() {
		return nil
	}
	delay, err := o.flush(o.send)
	if err != nil {
		return fmt.Errorf("outer send: %w", err)
	}
	if delay > api.NoDelay {
		o.throttleFor(delay, o.callback)
		return nil
	}
	o.updateInterest()
	return nil
}

func (o *Outer) send(_ netip.AddrPort, b []byte) error {
	if _, err := unix.Write(o.fd, b); err != nil {
		return err
	}
	o.outerMeters.Sent.Update(int64(len(b)))
	o.touch(o.c.clock.Now())
	return nil
}

func (o *Outer) handleReadable() error {
	buf := o.c.buf
	for i := 0; i < readBurst && o.state.IsOpen(); i++ {
		n, from, err := unix.Recvfrom(o.fd, buf, 0)
		if err != nil {
			if transport.IsTemporary(err) {
				return nil
			}
			return fmt.Errorf("outer receive: %w", err)
		}
		if from != nil && !o.fromTarget(transport.FromSockaddr(from)) {
			o.c.log.Warnf("udp session <%s>: %d bytes from unexpected <%s> dropped",
				o.client, n, transport.FromSockaddr(from))
			continue
		}
		now := o.c.clock.Now()
		o.touch(now)
		o.outerMeters.Read.Update(int64(n))

		b, ok := filterDatagram(o.client, buf[:n], o.incomingPass, o.incomingTransform)
		if !ok {
			o.c.log.Debugf("udp session <%s>: %d bytes from endpoint filtered out", o.client, n)
			continue
		}
		o.in.enqueue(o.client, b)
	}
	return nil
}

// fromTarget reports whether src is the configured endpoint. An
// unspecified endpoint address only constrains the port.
func (o *Outer) fromTarget(src netip.AddrPort) bool {
	if src.Port() != o.target.Port() {
		return false
	}
	want := o.target.Addr().Unmap()
	return want.IsUnspecified() || want == src.Addr().Unmap()
}

// enqueue queues a datagram of the client for the endpoint.
func (o *Outer) enqueue(b []byte) {
	if o.state.IsClosed() {
		return
	}
	now := o.c.clock.Now()
	o.touch(now)
	n := len(b)
	b, ok := filterDatagram(o.client, b, o.outgoingPass, o.outgoingTransform)
	if !ok {
		o.c.log.Debugf("udp session <%s>: %d bytes from client filtered out", o.client, n)
		return
	}
	delay := api.NoDelay
	if o.throttler != nil {
		delay = o.throttler.DelayBeforeSend(o.client, b)
	}
	if o.queue.Add(o.client, b, now, delay) {
		o.updateInterest()
	}
}
