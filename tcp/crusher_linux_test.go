//go:build linux
// +build linux

package tcp

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/momentics/crushproxy/api"
	"github.com/momentics/crushproxy/meter"
	"github.com/momentics/crushproxy/reactor"
	"github.com/momentics/crushproxy/throttle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetHandler(discard.New())
}

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

func newReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(reactor.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// serve runs handle for every connection accepted on a loopback listener.
func serve(t *testing.T, handle func(net.Conn)) netip.AddrPort {
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
			go handle(conn)
		}
	}()
	return netip.MustParseAddrPort(l.Addr().String())
}

func echo(conn net.Conn) {
	defer conn.Close()
	_, _ = io.Copy(conn, conn)
}

func openCrusher(t *testing.T, r *reactor.Reactor, connect netip.AddrPort, opts ...Option) *Crusher {
	t.Helper()
	c, err := New(r, NewOptions(loopback, connect, opts...))
	require.NoError(t, err)
	require.NoError(t, c.Open())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func dial(t *testing.T, c *Crusher) *net.TCPConn {
	t.Helper()
	conn, err := net.DialTCP("tcp", nil, net.TCPAddrFromAddrPort(c.BindAddress()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type listenerLog struct {
	created atomic.Int32
	deleted atomic.Int32
	mu      sync.Mutex
	meters  *meter.Meters
}

func (l *listenerLog) option(deferred bool) Option {
	return WithListeners(
		func(netip.AddrPort) { l.created.Add(1) },
		func(_ netip.AddrPort, m *meter.Meters) {
			l.deleted.Add(1)
			l.mu.Lock()
			l.meters = m
			l.mu.Unlock()
		},
		deferred,
	)
}

func TestRoundTripWithSmallBuffers(t *testing.T) {
	r := newReactor(t)
	var events listenerLog
	c := openCrusher(t, r, serve(t, echo), WithBuffer(4, 64), events.option(true))

	payload := make([]byte, 1<<20)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	conn := dial(t, c)
	go func() {
		_, _ = conn.Write(payload)
		_ = conn.CloseWrite()
	}()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "payload corrupted: %d of %d bytes", len(got), len(payload))

	assert.Eventually(t, func() bool { return len(c.ClientAddresses()) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return events.deleted.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), events.created.Load())
	assert.Equal(t, 1, c.ClientTotalCount())

	events.mu.Lock()
	defer events.mu.Unlock()
	require.NotNil(t, events.meters)
	assert.Equal(t, int64(len(payload)), events.meters.Read.TotalCount())
	assert.Equal(t, int64(len(payload)), events.meters.Sent.TotalCount())
}

func TestCloseIsIdempotent(t *testing.T) {
	r := newReactor(t)
	var events listenerLog
	c := openCrusher(t, r, serve(t, echo), events.option(false))

	conn := dial(t, c)
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	addrs := c.ClientAddresses()
	require.Len(t, addrs, 1)
	p, ok := c.Pair(addrs[0])
	require.True(t, ok)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.False(t, p.IsOpen())
	assert.True(t, p.IsFrozen())
	assert.ErrorIs(t, p.Unfreeze(), api.ErrInvalidTransition)

	closed, err := c.CloseClient(addrs[0])
	require.NoError(t, err)
	assert.False(t, closed)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.IsOpen())
	assert.True(t, c.IsFrozen())
	assert.Equal(t, int32(1), events.deleted.Load())
	assert.ErrorIs(t, c.Freeze(), api.ErrNotOpen)
}

func TestReopen(t *testing.T) {
	r := newReactor(t)
	c := openCrusher(t, r, serve(t, echo))
	assert.ErrorIs(t, c.Open(), api.ErrAlreadyOpen)

	conn := dial(t, c)
	_, err := conn.Write([]byte("x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.ClientTotalCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Reopen())
	assert.True(t, c.IsOpen())
	assert.Empty(t, c.ClientAddresses())
	assert.Equal(t, 0, c.ClientTotalCount())
}

func TestFreezeBlocksAndUnfreezeResumes(t *testing.T) {
	r := newReactor(t)

	var mu sync.Mutex
	var received []byte
	sink := serve(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			mu.Lock()
			received = append(received, buf[:n]...)
			mu.Unlock()
			if err != nil {
				return
			}
		}
	})
	receivedLen := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(received)
	}

	c := openCrusher(t, r, sink)
	conn := dial(t, c)
	_, err := conn.Write([]byte("hello"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return receivedLen() == 5 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Freeze())
	assert.True(t, c.IsFrozen())
	assert.ErrorIs(t, c.Freeze(), api.ErrInvalidTransition)
	p, ok := c.ClientFreezer(c.ClientAddresses()[0])
	require.True(t, ok)
	assert.True(t, p.IsFrozen())

	_, err = conn.Write([]byte("world"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 5, receivedLen())

	require.NoError(t, c.Unfreeze())
	assert.False(t, c.IsFrozen())
	require.Eventually(t, func() bool { return receivedLen() == 10 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "helloworld", string(received))
	mu.Unlock()
}

func TestBackpressureDisablesReads(t *testing.T) {
	r := newReactor(t)

	gate := make(chan struct{})
	var drained atomic.Int64
	target := serve(t, func(conn net.Conn) {
		defer conn.Close()
		<-gate
		n, _ := io.Copy(io.Discard, conn)
		drained.Store(n)
	})
	c := openCrusher(t, r, target, WithBuffer(4, 16*1024), func(o *Options) {
		o.Socket.RcvBuf = 16 * 1024
		o.Socket.SndBuf = 16 * 1024
	})

	const total = 16 << 20
	conn := dial(t, c)
	written := make(chan error, 1)
	go func() {
		chunk := make([]byte, 64*1024)
		for sent := 0; sent < total; sent += len(chunk) {
			if _, err := conn.Write(chunk); err != nil {
				written <- err
				return
			}
		}
		written <- conn.CloseWrite()
	}()

	require.Eventually(t, func() bool { return len(c.ClientAddresses()) == 1 }, 2*time.Second, 5*time.Millisecond)
	p, ok := c.Pair(c.ClientAddresses()[0])
	require.True(t, ok)

	full := func() (bool, error) {
		return p.inner.reg.Interest()&reactor.Read == 0 && !p.inner.outgoing.HasFillable(), nil
	}
	require.Eventually(t, func() bool {
		ok, err := reactor.Call(r, full)
		return err == nil && ok
	}, 10*time.Second, 10*time.Millisecond)

	pending, err := reactor.Call(r, func() (int, error) { return p.inner.outgoing.PendingBytes(), nil })
	require.NoError(t, err)
	assert.LessOrEqual(t, pending, p.inner.outgoing.Capacity())

	close(gate)
	require.NoError(t, <-written)
	assert.Eventually(t, func() bool { return drained.Load() == total }, 20*time.Second, 10*time.Millisecond)
}

func TestDeadTargetNeverCreatesPair(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := netip.MustParseAddrPort(l.Addr().String())
	require.NoError(t, l.Close())

	r := newReactor(t)
	var events listenerLog
	c := openCrusher(t, r, dead, events.option(false))

	// the abort may reset the client before the dial returns
	conn, err := net.DialTCP("tcp", nil, net.TCPAddrFromAddrPort(c.BindAddress()))
	if err == nil {
		defer conn.Close()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, err = conn.Read(make([]byte, 1))
	}
	require.Error(t, err)
	assert.False(t, isTimeout(err), "client socket was not closed: %v", err)

	assert.Equal(t, 0, c.ClientTotalCount())
	assert.Equal(t, int32(0), events.created.Load())
	assert.Empty(t, c.ClientAddresses())
}

func TestConnectTimeoutError(t *testing.T) {
	target := netip.MustParseAddrPort("10.0.0.1:80")
	err := connectTimeout(target, 3*time.Second)
	assert.ErrorIs(t, err, api.ErrConnectTimeout)
	assert.Contains(t, err.Error(), "10.0.0.1:80")
	assert.Contains(t, err.Error(), "3s")
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func TestThrottledDirection(t *testing.T) {
	r := newReactor(t)
	factory, err := throttle.ByteRateFactory(100_000, time.Second)
	require.NoError(t, err)
	c := openCrusher(t, r, serve(t, echo), WithThrottlers(nil, factory))

	payload := bytes.Repeat([]byte{'z'}, 50_000)
	conn := dial(t, c)
	start := time.Now()
	go func() {
		_, _ = conn.Write(payload)
		_ = conn.CloseWrite()
	}()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.GreaterOrEqual(t, time.Since(start), 350*time.Millisecond)
}

func TestOptionsValidate(t *testing.T) {
	good := DefaultOptions(loopback, netip.MustParseAddrPort("127.0.0.1:80"))
	require.NoError(t, good.Validate())

	bad := good
	bad.ConnectAddress = netip.AddrPort{}
	assert.ErrorIs(t, bad.Validate(), api.ErrInvalidArgument)

	bad = good
	bad.Buffer.Count = 0
	assert.ErrorIs(t, bad.Validate(), api.ErrInvalidArgument)

	bad = good
	bad.LingerTimeout = 0
	assert.ErrorIs(t, bad.Validate(), api.ErrInvalidArgument)

	_, err := New(nil, good)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}
