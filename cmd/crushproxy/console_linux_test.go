//go:build linux
// +build linux

package main

import (
	"bytes"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/momentics/crushproxy/api"
	"github.com/momentics/crushproxy/control"
	"github.com/momentics/crushproxy/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetHandler(discard.New())
}

func newConsole(t *testing.T, cfg Config) (*console, *bytes.Buffer) {
	t.Helper()
	r, err := reactor.New(reactor.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	c, err := newCrusher(r, cfg, log.Log)
	require.NoError(t, err)
	require.NoError(t, c.Open())
	t.Cleanup(func() { _ = c.Close() })

	probes := control.NewProbes()
	registerProbes(probes, c, cfg, r.Executor())
	var out bytes.Buffer
	return &console{crusher: c, probes: probes, jobs: r.Executor(), out: &out}, &out
}

func tcpTarget(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return l.Addr().String()
}

func TestConsoleLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bind = "127.0.0.1:0"
	cfg.Connect = tcpTarget(t)
	con, out := newConsole(t, cfg)

	require.NoError(t, con.exec("status"))
	assert.Contains(t, out.String(), "relay.open: true")
	assert.Contains(t, out.String(), "relay.mode: tcp")
	assert.Contains(t, out.String(), "executor.pending: ")

	for _, cmd := range []string{"freeze", "unfreeze", "reopen", "close", "open"} {
		out.Reset()
		require.NoError(t, con.exec(cmd), cmd)
		assert.Equal(t, "ok\n", out.String(), cmd)
	}
	assert.ErrorIs(t, con.exec("unfreeze"), api.ErrInvalidTransition)
	assert.NoError(t, con.exec("   "))
	assert.ErrorIs(t, con.exec("quit"), errQuit)
	assert.Error(t, con.exec("dance"))
}

func TestConsoleAfter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bind = "127.0.0.1:0"
	cfg.Connect = tcpTarget(t)
	con, out := newConsole(t, cfg)

	require.NoError(t, con.exec("after 10ms freeze"))
	assert.Equal(t, "ok\n", out.String())
	assert.Eventually(t, con.crusher.IsFrozen, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, con.exec("after 10ms unfreeze"))
	assert.Eventually(t, func() bool { return !con.crusher.IsFrozen() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, con.exec("after 10ms close"))
	assert.Eventually(t, func() bool { return !con.crusher.IsOpen() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, con.exec("after 10ms reopen"))
	assert.Eventually(t, con.crusher.IsOpen, 2*time.Second, 5*time.Millisecond)

	assert.Error(t, con.exec("after 10ms"))
	assert.Error(t, con.exec("after soon freeze"))
	assert.Error(t, con.exec("after 1s dance"))
}

func TestConsoleClientsAndKill(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bind = "127.0.0.1:0"
	cfg.Connect = tcpTarget(t)
	con, out := newConsole(t, cfg)

	conn, err := net.Dial("tcp", con.crusher.BindAddress().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	_, err = io.ReadFull(conn, make([]byte, 4))
	require.NoError(t, err)

	client := netip.MustParseAddrPort(conn.LocalAddr().String())
	require.NoError(t, con.exec("clients"))
	assert.Contains(t, out.String(), client.String())

	assert.ErrorIs(t, con.exec("kill 127.0.0.1:1"), api.ErrNotFound)
	assert.Error(t, con.exec("kill"))
	require.NoError(t, con.exec("kill "+client.String()))
	assert.Empty(t, con.crusher.ClientAddresses())

	assert.ErrorIs(t, con.exec("evict 1s"), api.ErrNotSupported)
}

func TestConsoleEvictUDP(t *testing.T) {
	target, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer target.Close()
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := target.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			_, _ = target.WriteToUDPAddrPort(buf[:n], from)
		}
	}()

	cfg := DefaultConfig()
	cfg.Mode = modeUDP
	cfg.Bind = "127.0.0.1:0"
	cfg.Connect = target.LocalAddr().String()
	con, out := newConsole(t, cfg)

	conn, err := net.Dial("udp", con.crusher.BindAddress().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 16))
	require.NoError(t, err)

	require.NoError(t, con.exec("evict 1h"))
	assert.Equal(t, "0 evicted\n", out.String())
	out.Reset()
	require.NoError(t, con.exec("evict 0s"))
	assert.Equal(t, "1 evicted\n", out.String())
	assert.Error(t, con.exec("evict soon"))

	out.Reset()
	require.NoError(t, con.exec("status"))
	assert.Contains(t, out.String(), "relay.clients_total: 1")
	assert.Contains(t, out.String(), "relay.traffic: read:")
}
