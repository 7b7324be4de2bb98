//go:build linux
// +build linux

// File: udp/inner_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package udp

import (
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/momentics/crushproxy/api"
	"github.com/momentics/crushproxy/internal/state"
	"github.com/momentics/crushproxy/internal/transport"
	"github.com/momentics/crushproxy/meter"
	"github.com/momentics/crushproxy/pool"
	"github.com/momentics/crushproxy/reactor"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// inner owns the bound socket. It fans datagrams out to one Outer per
// client and sends the replies back.
type inner struct {
	endpoint
	bound     netip.AddrPort
	family    int
	throttler api.Throttler
	meters    *meter.Meters
	datagrams *meter.Meters

	mu     sync.RWMutex
	outers map[netip.AddrPort]*Outer
}

func newInner(c *Crusher) (_ *inner, err error) {
	fd, err := transport.OpenUDP(c.opts.BindAddress, netip.AddrPort{}, c.settings())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
		}
	}()
	bound, err := transport.LocalAddr(fd)
	if err != nil {
		return nil, err
	}
	q, err := pool.NewDatagramQueue(c.opts.Buffer.Count, c.opts.Buffer.Size, c.log)
	if err != nil {
		return nil, err
	}
	in := &inner{
		endpoint: endpoint{
			c:     c,
			fd:    fd,
			state: state.New(state.Frozen),
			queue: q,
		},
		bound:     bound,
		family:    transport.Family(c.opts.BindAddress),
		meters:    meter.NewMeters(c.clock),
		datagrams: meter.NewMeters(c.clock),
		outers:    make(map[netip.AddrPort]*Outer),
	}
	if f := c.opts.IncomingThrottlerFactory; f != nil {
		in.throttler = f(bound)
	}
	if err := in.register(in.callback); err != nil {
		return nil, err
	}
	return in, nil
}

func (in *inner) callback(ready reactor.Interest) {
	if err := in.handle(ready); err != nil {
		in.c.log.Errorf("udp crusher <%s>: %v", in.bound, err)
		if cerr := in.c.closeLoop(); cerr != nil {
			in.c.log.Warnf("udp crusher <%s>: close: %v", in.bound, cerr)
		}
	}
}

func (in *inner) handle(ready reactor.Interest) error {
	if !in.state.IsOpen() {
		return nil
	}
	if ready&reactor.Error != 0 {
		if err := transport.SocketError(in.fd); err != nil && !transport.IsReset(err) {
			return fmt.Errorf("inner socket: %w", err)
		}
	}
	if ready&reactor.Write != 0 {
		if err := in.handleWritable(); err != nil {
			return err
		}
	}
	if ready&reactor.Read != 0 {
		if err := in.handleReadable(); err != nil {
			return err
		}
	}
	return nil
}

func (in *inner) handleWritable() error {
	if in.state.IsThrottled() {
		return nil
	}
	delay, err := in.flush(in.send)
	if err != nil {
		return fmt.Errorf("inner send: %w", err)
	}
	if delay > api.NoDelay {
		in.throttleFor(delay, in.callback)
		return nil
	}
	in.updateInterest()
	return nil
}

func (in *inner) send(client netip.AddrPort, b []byte) error {
	sa, err := transport.ToSockaddrFamily(client, in.family)
	if err != nil {
		return err
	}
	if err := unix.Sendto(in.fd, b, 0, sa); err != nil {
		return err
	}
	in.meters.Sent.Update(int64(len(b)))
	in.datagrams.Sent.Increment()
	if o, ok := in.outer(client); ok {
		o.meters.Sent.Update(int64(len(b)))
		o.datagrams.Sent.Increment()
	}
	in.c.log.Debugf("udp crusher <%s>: sent %d bytes to <%s>", in.bound, len(b), client)
	return nil
}

func (in *inner) handleReadable() error {
	buf := in.c.buf
	for i := 0; i < readBurst && in.state.IsOpen(); i++ {
		n, from, err := unix.Recvfrom(in.fd, buf, 0)
		if err != nil {
			if transport.IsTemporary(err) {
				return nil
			}
			if transport.IsReset(err) {
				in.c.log.Debugf("udp crusher <%s>: %v", in.bound, err)
				continue
			}
			return fmt.Errorf("inner receive: %w", err)
		}
		client := transport.FromSockaddr(from)
		if !client.IsValid() {
			continue
		}
		in.meters.Read.Update(int64(n))
		in.datagrams.Read.Increment()
		in.c.log.Debugf("udp crusher <%s>: received %d bytes from <%s>", in.bound, n, client)

		o, err := in.requestOuter(client)
		if err != nil {
			in.c.log.Warnf("udp crusher <%s>: no session for <%s>, %d bytes dropped: %v", in.bound, client, n, err)
			continue
		}
		o.meters.Read.Update(int64(n))
		o.datagrams.Read.Increment()
		o.enqueue(buf[:n])
	}
	return nil
}

// requestOuter returns the session of client, creating it on first use.
func (in *inner) requestOuter(client netip.AddrPort) (*Outer, error) {
	if o, ok := in.outer(client); ok {
		return o, nil
	}
	if d := in.c.opts.MaxIdleDuration; d > 0 {
		in.closeIdle(d)
	}
	o, err := newOuter(in, client)
	if err != nil {
		return nil, err
	}
	if err := o.unfreeze(); err != nil {
		_, cerr := o.endpoint.close()
		return nil, multierr.Append(err, cerr)
	}
	in.mu.Lock()
	in.outers[client] = o
	in.mu.Unlock()
	in.c.total.Add(1)
	in.c.log.Debugf("udp session %s for <%s> is created", o.key, client)
	in.c.notifyCreated(client)
	return o, nil
}

// enqueue queues a reply for client behind the shared throttler.
func (in *inner) enqueue(client netip.AddrPort, b []byte) {
	if in.state.IsClosed() {
		return
	}
	now := in.c.clock.Now()
	delay := api.NoDelay
	if in.throttler != nil {
		delay = in.throttler.DelayBeforeSend(client, b)
	}
	if in.queue.Add(client, b, now, delay) {
		in.updateInterest()
	}
}

func (in *inner) outer(client netip.AddrPort) (*Outer, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	o, ok := in.outers[client]
	return o, ok
}

func (in *inner) remove(o *Outer) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if cur, ok := in.outers[o.client]; ok && cur == o {
		delete(in.outers, o.client)
	}
}

func (in *inner) outerList() []*Outer {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make([]*Outer, 0, len(in.outers))
	for _, o := range in.outers {
		out = append(out, o)
	}
	return out
}

func (in *inner) clients() []netip.AddrPort {
	in.mu.RLock()
	out := make([]netip.AddrPort, 0, len(in.outers))
	for addr := range in.outers {
		out = append(out, addr)
	}
	in.mu.RUnlock()
	slices.SortFunc(out, func(a, b netip.AddrPort) int { return a.Compare(b) })
	return out
}

// closeIdle closes sessions idle for longer than d and returns how many.
func (in *inner) closeIdle(d time.Duration) int {
	now := in.c.clock.Now()
	before := len(in.outers)
	closed := 0
	for _, o := range in.outerList() {
		if o.idle(now) > d {
			if err := o.closeLoop(); err != nil {
				in.c.log.Debugf("udp session <%s>: close: %v", o.client, err)
			}
			closed++
		}
	}
	if closed > 0 {
		in.c.log.Debugf("udp crusher <%s>: idle sessions cleared (%d -> %d)", in.bound, before, before-closed)
	}
	return closed
}

func (in *inner) freeze() error {
	if err := in.endpoint.freeze(); err != nil {
		return err
	}
	var err error
	for _, o := range in.outerList() {
		if o.state.IsOpen() {
			err = multierr.Append(err, o.freeze())
		}
	}
	return err
}

func (in *inner) unfreeze() error {
	if err := in.endpoint.unfreeze(); err != nil {
		return err
	}
	var err error
	for _, o := range in.outerList() {
		if o.state.IsFrozen() && !o.state.IsClosed() {
			err = multierr.Append(err, o.unfreeze())
		}
	}
	return err
}

func (in *inner) close() error {
	if in.state.IsClosed() {
		return nil
	}
	if n := in.queue.Len(); n > 0 {
		in.c.log.Warnf("udp crusher <%s>: %d datagrams with %d bytes to clients are discarded on close",
			in.bound, n, in.queue.PendingBytes())
	}
	var err error
	for _, o := range in.outerList() {
		err = multierr.Append(err, o.closeLoop())
	}
	_, cerr := in.endpoint.close()
	in.queue.Reset()
	return multierr.Append(err, cerr)
}
