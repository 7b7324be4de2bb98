// File: cmd/crushproxy/console.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"time"

	"github.com/momentics/crushproxy/api"
	"github.com/momentics/crushproxy/control"
	"github.com/momentics/crushproxy/internal/concurrency"
)

// errQuit is returned by the quit command.
var errQuit = errors.New("quit")

// idleCloser is implemented by relays with idle eviction.
type idleCloser interface {
	CloseIdleOlderThan(d time.Duration) (int, error)
}

// console executes the line commands read from stdin.
type console struct {
	crusher api.Crusher
	probes  *control.Probes
	jobs    *concurrency.Executor
	out     io.Writer
}

const help = `commands:
  open              bind and start relaying
  close             close every client and the listening socket
  reopen            close and open again
  freeze            stop relaying, keep sockets open
  unfreeze          resume relaying
  status            print relay and runtime state
  clients           list connected clients with statistics
  kill <addr>       close one client
  evict <duration>  close clients idle for longer than duration (udp)
  after <duration> <freeze|unfreeze|close|reopen>
                    run a lifecycle command later
  quit              exit
`

// exec runs one command line. It returns errQuit on quit.
func (c *console) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "open":
		return c.done(c.crusher.Open())
	case "close":
		return c.done(c.crusher.Close())
	case "reopen":
		return c.done(c.crusher.Reopen())
	case "freeze":
		return c.done(c.crusher.Freeze())
	case "unfreeze":
		return c.done(c.crusher.Unfreeze())
	case "status":
		_, err := c.probes.WriteTo(c.out)
		return err
	case "clients":
		return c.clients()
	case "kill":
		return c.kill(args)
	case "evict":
		return c.evict(args)
	case "after":
		return c.after(args)
	case "help", "?":
		_, err := io.WriteString(c.out, help)
		return err
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
}

func (c *console) done(err error) error {
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, "ok")
	return err
}

func (c *console) clients() error {
	for _, addr := range c.crusher.ClientAddresses() {
		m, ok := c.crusher.ClientMeters(addr)
		if !ok {
			continue
		}
		if _, err := fmt.Fprintf(c.out, "%s %s\n", addr, m); err != nil {
			return err
		}
	}
	return nil
}

func (c *console) kill(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: kill <addr>")
	}
	addr, err := netip.ParseAddrPort(args[0])
	if err != nil {
		return err
	}
	closed, err := c.crusher.CloseClient(addr)
	if err != nil {
		return err
	}
	if !closed {
		return fmt.Errorf("%w: %s", api.ErrNotFound, addr)
	}
	return c.done(nil)
}

func (c *console) evict(args []string) error {
	ic, ok := c.crusher.(idleCloser)
	if !ok {
		return fmt.Errorf("%w: evict needs a udp relay", api.ErrNotSupported)
	}
	if len(args) != 1 {
		return errors.New("usage: evict <duration>")
	}
	d, err := time.ParseDuration(args[0])
	if err != nil {
		return err
	}
	n, err := ic.CloseIdleOlderThan(d)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "%d evicted\n", n)
	return err
}

func (c *console) after(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: after <duration> <freeze|unfreeze|close|reopen>")
	}
	if c.jobs == nil {
		return fmt.Errorf("%w: no executor", api.ErrNotSupported)
	}
	d, err := time.ParseDuration(args[0])
	if err != nil {
		return err
	}
	switch strings.ToLower(args[1]) {
	case "freeze":
		_, err = c.jobs.ScheduleFreeze(c.crusher, d)
	case "unfreeze":
		_, err = c.jobs.ScheduleUnfreeze(c.crusher, d)
	case "close":
		_, err = c.jobs.ScheduleClose(c.crusher, d)
	case "reopen":
		_, err = c.jobs.ScheduleReopen(c.crusher, d)
	default:
		return fmt.Errorf("cannot schedule %q", args[1])
	}
	return c.done(err)
}
