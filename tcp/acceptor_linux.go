//go:build linux
// +build linux

// File: tcp/acceptor_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/momentics/crushproxy/api"
	"github.com/momentics/crushproxy/internal/state"
	"github.com/momentics/crushproxy/internal/transport"
	"github.com/momentics/crushproxy/reactor"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// acceptBackoff pauses accepting when the process runs out of descriptors.
const acceptBackoff = 100 * time.Millisecond

// connectAttempt is an outbound connection still in the handshake.
type connectAttempt struct {
	client netip.AddrPort
	cfd    int
	ofd    int
	reg    *reactor.Registration
	timer  *reactor.Timer
}

// acceptor owns the listening socket and the pending connects.
type acceptor struct {
	c          *Crusher
	fd         int
	bound      netip.AddrPort
	reg        *reactor.Registration
	state      *state.Lifecycle
	connecting map[*connectAttempt]struct{}
	backoff    *reactor.Timer
}

func newAcceptor(c *Crusher) (*acceptor, error) {
	fd, err := transport.Listen(c.opts.BindAddress, c.opts.Socket.Backlog, c.settings())
	if err != nil {
		return nil, err
	}
	bound, err := transport.LocalAddr(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	a := &acceptor{
		c:          c,
		fd:         fd,
		bound:      bound,
		state:      state.New(state.Frozen),
		connecting: make(map[*connectAttempt]struct{}),
	}
	if a.reg, err = c.r.Register(fd, 0, a.accept); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return a, nil
}

func (a *acceptor) freeze() error {
	if err := a.state.Freeze(); err != nil {
		return err
	}
	return a.reg.SetInterest(0)
}

func (a *acceptor) unfreeze() error {
	if err := a.state.Unfreeze(); err != nil {
		return err
	}
	return a.reg.SetInterest(reactor.Read)
}

func (a *acceptor) close() error {
	if !a.state.Close() {
		return nil
	}
	a.backoff.Cancel()
	for at := range a.connecting {
		a.drop(at)
	}
	a.reg.Cancel()
	return unix.Close(a.fd)
}

func (a *acceptor) accept(reactor.Interest) {
	log := a.c.log
	for a.state.IsOpen() {
		cfd, client, err := transport.Accept(a.fd)
		switch {
		case err == nil:
		case transport.IsTemporary(err):
			return
		case errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
			log.Errorf("tcp acceptor <%s>: accept: %v", a.bound, err)
			a.pause()
			return
		default:
			log.Errorf("tcp acceptor <%s>: accept: %v", a.bound, err)
			return
		}
		log.Debugf("tcp acceptor <%s>: connection from <%s> accepted", a.bound, client)
		a.connect(cfd, client)
	}
}

// pause stops accepting for a while without changing the lifecycle.
func (a *acceptor) pause() {
	_ = a.reg.SetInterest(0)
	a.backoff = a.c.r.Schedule(acceptBackoff, func() {
		if a.state.IsOpen() {
			_ = a.reg.SetInterest(reactor.Read)
		}
	})
}

func (a *acceptor) connect(cfd int, client netip.AddrPort) {
	c := a.c
	s := c.settings()
	if err := transport.Apply(cfd, s, true); err != nil {
		c.log.Errorf("tcp acceptor <%s>: socket options for <%s>: %v", a.bound, client, err)
		_ = transport.Abort(cfd)
		return
	}
	ofd, connected, err := transport.Connect(c.opts.ConnectAddress, c.opts.BindBeforeConnectAddress, s)
	if err != nil {
		c.log.Errorf("tcp acceptor <%s>: fail to connect to <%s>: %v", a.bound, c.opts.ConnectAddress, err)
		_ = transport.Abort(cfd)
		return
	}
	if connected {
		c.addPair(cfd, ofd, client)
		return
	}

	at := &connectAttempt{client: client, cfd: cfd, ofd: ofd}
	if at.reg, err = c.r.Register(ofd, reactor.Write, func(reactor.Interest) { a.finish(at) }); err != nil {
		c.log.Errorf("tcp acceptor <%s>: register outbound socket: %v", a.bound, err)
		abortBoth(cfd, ofd)
		return
	}
	if timeout := c.opts.Socket.ConnectTimeout; timeout > 0 {
		at.timer = c.r.Schedule(timeout, func() {
			if _, ok := a.connecting[at]; !ok {
				return
			}
			c.log.Errorf("tcp acceptor <%s>: %v", a.bound, connectTimeout(c.opts.ConnectAddress, timeout))
			a.drop(at)
		})
	}
	a.connecting[at] = struct{}{}
}

func (a *acceptor) finish(at *connectAttempt) {
	if _, ok := a.connecting[at]; !ok {
		return
	}
	delete(a.connecting, at)
	at.timer.Cancel()
	at.reg.Cancel()
	if err := transport.SocketError(at.ofd); err != nil {
		a.c.log.Errorf("tcp acceptor <%s>: fail to finish connection to <%s>: %v", a.bound, a.c.opts.ConnectAddress, err)
		abortBoth(at.cfd, at.ofd)
		return
	}
	a.c.addPair(at.cfd, at.ofd, at.client)
}

func (a *acceptor) drop(at *connectAttempt) {
	delete(a.connecting, at)
	at.timer.Cancel()
	at.reg.Cancel()
	abortBoth(at.cfd, at.ofd)
}

func connectTimeout(target netip.AddrPort, timeout time.Duration) error {
	return fmt.Errorf("%w: <%s> did not answer in %s", api.ErrConnectTimeout, target, timeout)
}

func abortBoth(cfd, ofd int) {
	_ = multierr.Append(transport.Abort(cfd), transport.Abort(ofd))
}
