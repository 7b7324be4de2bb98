//go:build linux
// +build linux

// File: tcp/channel_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"fmt"
	"time"

	"github.com/momentics/crushproxy/api"
	"github.com/momentics/crushproxy/internal/state"
	"github.com/momentics/crushproxy/internal/transport"
	"github.com/momentics/crushproxy/meter"
	"github.com/momentics/crushproxy/pool"
	"github.com/momentics/crushproxy/reactor"
	"golang.org/x/sys/unix"
)

// channel is one socket of a pair. It reads into outgoing and writes
// from incoming; other is the opposite socket sharing the same queues.
type channel struct {
	name      string
	pair      *Pair
	fd        int
	reg       *reactor.Registration
	incoming  *pool.BufferQueue
	outgoing  *pool.BufferQueue
	other     *channel
	state     *state.Lifecycle
	meters    *meter.Meters
	throttle  *reactor.Timer
	readEOF   bool
	writeShut bool
}

func newChannel(p *Pair, name string, fd int, incoming, outgoing *pool.BufferQueue) *channel {
	return &channel{
		name:     name,
		pair:     p,
		fd:       fd,
		incoming: incoming,
		outgoing: outgoing,
		state:    state.New(state.Frozen),
		meters:   meter.NewMeters(p.c.clock),
	}
}

func (c *channel) register() error {
	reg, err := c.pair.c.r.Register(c.fd, 0, c.callback)
	if err != nil {
		return err
	}
	c.reg = reg
	return nil
}

func (c *channel) log() api.Logger {
	return c.pair.c.log
}

// updateInterest derives the interest set from state and queue levels.
func (c *channel) updateInterest() {
	if c.reg == nil || !c.reg.Valid() {
		return
	}
	var want reactor.Interest
	if c.state.IsOpen() {
		if !c.readEOF && c.outgoing.HasFillable() {
			want |= reactor.Read
		}
		if !c.writeShut && !c.state.IsThrottled() && c.incoming.HasDrainable() {
			want |= reactor.Write
		}
	}
	if err := c.reg.SetInterest(want); err != nil {
		c.log().Debugf("tcp pair <%s>: %s interest %s: %v", c.pair.client, c.name, want, err)
	}
}

func (c *channel) freeze() error {
	if err := c.state.Freeze(); err != nil {
		return err
	}
	c.updateInterest()
	return nil
}

func (c *channel) unfreeze() error {
	if err := c.state.Unfreeze(); err != nil {
		return err
	}
	c.updateInterest()
	return nil
}

func (c *channel) close() error {
	if !c.state.Close() {
		return nil
	}
	c.throttle.Cancel()
	if c.reg != nil {
		c.reg.Cancel()
	}
	if n := c.incoming.PendingBytes(); n > 0 {
		c.log().Debugf("tcp pair <%s>: %s has %d pending bytes on close", c.pair.client, c.name, n)
	}
	return unix.Close(c.fd)
}

func (c *channel) callback(ready reactor.Interest) {
	if err := c.handle(ready); err != nil {
		if transport.IsReset(err) {
			c.log().Debugf("tcp pair <%s>: %v", c.pair.client, err)
		} else {
			c.log().Warnf("tcp pair <%s>: %v", c.pair.client, err)
		}
		_ = c.pair.closeLoop()
		return
	}
	c.pair.settle()
}

func (c *channel) handle(ready reactor.Interest) error {
	if !c.state.IsOpen() {
		return nil
	}
	if ready&reactor.Error != 0 {
		if err := transport.SocketError(c.fd); err != nil {
			return fmt.Errorf("%s socket: %w", c.name, err)
		}
	}
	if ready&reactor.Write != 0 {
		if err := c.handleWritable(); err != nil {
			return err
		}
	}
	if ready&reactor.Read != 0 {
		if err := c.handleReadable(); err != nil {
			return err
		}
	}
	return nil
}

// handleWritable drains incoming into the socket until it would block,
// the queue is empty or the head cell is throttled.
func (c *channel) handleWritable() error {
	clk := c.pair.c.clock
	for c.state.IsOpen() && !c.state.IsThrottled() && !c.writeShut {
		bufs, delay := c.incoming.RequestDrainable(clk.Now())
		if delay > api.NoDelay {
			c.throttleFor(delay)
			break
		}
		if len(bufs) == 0 {
			break
		}
		total := 0
		for _, b := range bufs {
			total += len(b)
		}
		n, err := unix.Writev(c.fd, bufs)
		if err != nil {
			if transport.IsTemporary(err) {
				break
			}
			return fmt.Errorf("%s write: %w", c.name, err)
		}
		c.incoming.ReleaseDrainable(n)
		if n > 0 {
			c.meters.Sent.Update(int64(n))
		}
		if n < total {
			break
		}
	}
	if c.other.readEOF && !c.incoming.HasDrainable() {
		c.shutdownWrite()
	}
	c.updateInterest()
	c.other.updateInterest()
	return nil
}

// handleReadable fills outgoing from the socket and pushes the data to
// the other socket right away.
func (c *channel) handleReadable() error {
	for c.state.IsOpen() && !c.readEOF {
		bufs := c.outgoing.RequestFillable()
		if len(bufs) == 0 {
			break
		}
		n, err := unix.Readv(c.fd, bufs)
		if err != nil {
			if transport.IsTemporary(err) {
				break
			}
			return fmt.Errorf("%s read: %w", c.name, err)
		}
		if n == 0 {
			c.onEOF()
			break
		}
		c.outgoing.ReleaseFillable(n)
		c.meters.Read.Update(int64(n))
		if c.other.state.IsOpen() {
			if err := c.other.handleWritable(); err != nil {
				return err
			}
		}
	}
	c.updateInterest()
	c.other.updateInterest()
	return nil
}

func (c *channel) onEOF() {
	c.readEOF = true
	c.log().Debugf("tcp pair <%s>: EOF on %s", c.pair.client, c.name)
	if !c.outgoing.HasDrainable() {
		c.other.shutdownWrite()
	}
	c.pair.startLinger()
}

// shutdownWrite forwards a FIN once the opposite direction is drained.
func (c *channel) shutdownWrite() {
	if c.writeShut || c.state.IsClosed() {
		return
	}
	c.writeShut = true
	if err := transport.ShutdownWrite(c.fd); err != nil {
		c.log().Debugf("tcp pair <%s>: %s: %v", c.pair.client, c.name, err)
	}
	c.updateInterest()
}

func (c *channel) throttleFor(delay time.Duration) {
	c.state.SetThrottled(true)
	c.updateInterest()
	c.throttle = c.pair.c.r.Schedule(delay, func() {
		c.state.SetThrottled(false)
		if c.state.IsOpen() {
			c.callback(reactor.Write)
		}
	})
}
