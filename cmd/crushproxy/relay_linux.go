//go:build linux
// +build linux

// File: cmd/crushproxy/relay_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"fmt"
	"net/netip"

	"github.com/momentics/crushproxy/api"
	"github.com/momentics/crushproxy/control"
	"github.com/momentics/crushproxy/filter"
	"github.com/momentics/crushproxy/internal/concurrency"
	"github.com/momentics/crushproxy/meter"
	"github.com/momentics/crushproxy/reactor"
	"github.com/momentics/crushproxy/tcp"
	"github.com/momentics/crushproxy/udp"
)

// newCrusher builds the relay described by cfg. It is returned closed.
func newCrusher(r *reactor.Reactor, cfg Config, logger api.Logger) (api.Crusher, error) {
	bind, err := resolve(cfg.Mode, cfg.Bind)
	if err != nil {
		return nil, fmt.Errorf("bind address: %w", err)
	}
	connect, err := resolve(cfg.Mode, cfg.Connect)
	if err != nil {
		return nil, fmt.Errorf("connect address: %w", err)
	}
	incoming, err := cfg.Incoming.factory()
	if err != nil {
		return nil, fmt.Errorf("incoming throttler: %w", err)
	}
	outgoing, err := cfg.Outgoing.factory()
	if err != nil {
		return nil, fmt.Errorf("outgoing throttler: %w", err)
	}

	created := func(client netip.AddrPort) {
		logger.Infof("client <%s> connected", client)
	}
	deleted := func(client netip.AddrPort, m *meter.Meters) {
		logger.Infof("client <%s> disconnected, %s", client, m)
	}

	var inDump, outDump api.TransformFilterFactory
	if cfg.Dump {
		inDump = filter.Logging(logger, "incoming")
		outDump = filter.Logging(logger, "outgoing")
	}

	switch cfg.Mode {
	case modeUDP:
		opts := udp.NewOptions(bind, connect,
			udp.WithThrottlers(incoming, outgoing),
			udp.WithTransformFilters(inDump, outDump),
			udp.WithListeners(created, deleted, cfg.DeferredListeners),
			udp.WithMaxIdleDuration(cfg.MaxIdle),
			udp.WithLogger(logger),
		)
		if cfg.BufferCount > 0 {
			opts.Buffer.Count = cfg.BufferCount
		}
		if cfg.BufferSize > 0 {
			opts.Buffer.Size = cfg.BufferSize
		}
		c, err := udp.New(r, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		opts := tcp.NewOptions(bind, connect,
			tcp.WithThrottlers(incoming, outgoing),
			tcp.WithTransformFilters(inDump, outDump),
			tcp.WithListeners(created, deleted, cfg.DeferredListeners),
			tcp.WithLogger(logger),
		)
		if cfg.BufferCount > 0 {
			opts.Buffer.Count = cfg.BufferCount
		}
		if cfg.BufferSize > 0 {
			opts.Buffer.Size = cfg.BufferSize
		}
		if cfg.ConnectTimeout > 0 {
			opts.Socket.ConnectTimeout = cfg.ConnectTimeout
		}
		if cfg.LingerTimeout > 0 {
			opts.LingerTimeout = cfg.LingerTimeout
		}
		c, err := tcp.New(r, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// registerProbes exposes the relay state to the status command.
func registerProbes(p *control.Probes, c api.Crusher, cfg Config, jobs *concurrency.Executor) {
	p.Register("relay.mode", func() any { return cfg.Mode })
	p.Register("relay.bind", func() any { return c.BindAddress() })
	p.Register("relay.connect", func() any { return c.ConnectAddress() })
	p.Register("relay.open", func() any { return c.IsOpen() })
	p.Register("relay.frozen", func() any { return c.IsFrozen() })
	p.Register("relay.clients", func() any { return len(c.ClientAddresses()) })
	p.Register("relay.clients_total", func() any { return c.ClientTotalCount() })
	if u, ok := c.(*udp.Crusher); ok {
		p.Register("relay.traffic", func() any {
			if m, ok := u.InnerMeters(); ok {
				return m.String()
			}
			return "-"
		})
	}
	if jobs != nil {
		p.Register("executor.pending", func() any { return jobs.Pending() })
		p.Register("executor.completed", func() any { return jobs.Stats()["completed_tasks"] })
	}
	control.RegisterRuntimeProbes(p)
}
