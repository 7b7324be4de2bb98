//go:build linux
// +build linux

package transport

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSockaddrConversion(t *testing.T) {
	for _, s := range []string{"127.0.0.1:80", "[::1]:8080", "[::ffff:10.0.0.1]:53"} {
		ap := netip.MustParseAddrPort(s)
		sa, err := ToSockaddr(ap)
		require.NoError(t, err)
		back := FromSockaddr(sa)
		assert.Equal(t, ap.Addr().Unmap(), back.Addr())
		assert.Equal(t, ap.Port(), back.Port())
	}
	_, err := ToSockaddr(netip.AddrPort{})
	assert.Error(t, err)
	assert.Equal(t, unix.AF_INET, Family(netip.MustParseAddrPort("10.0.0.1:1")))
	assert.Equal(t, unix.AF_INET6, Family(netip.MustParseAddrPort("[2001:db8::1]:1")))
}

func TestListenAcceptConnect(t *testing.T) {
	lfd, err := Listen(netip.MustParseAddrPort("127.0.0.1:0"), 16, Settings{Linger: NoLinger})
	require.NoError(t, err)
	defer unix.Close(lfd)
	laddr, err := LocalAddr(lfd)
	require.NoError(t, err)
	require.NotZero(t, laddr.Port())

	_, _, err = Accept(lfd)
	assert.True(t, IsTemporary(err))

	cfd, _, err := Connect(laddr, netip.AddrPort{}, Settings{NoDelay: true, KeepAlive: true, Linger: NoLinger})
	require.NoError(t, err)
	defer unix.Close(cfd)

	var afd int
	require.Eventually(t, func() bool {
		afd, _, err = Accept(lfd)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	defer unix.Close(afd)

	require.Eventually(t, func() bool {
		_, err := RemoteAddr(cfd)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, SocketError(cfd))
	assert.NoError(t, ShutdownWrite(cfd))
}

func TestConnectRefused(t *testing.T) {
	// grab a free port and close it again
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := netip.MustParseAddrPort(l.Addr().String())
	require.NoError(t, l.Close())

	fd, connected, err := Connect(dead, netip.AddrPort{}, Settings{Linger: NoLinger})
	if err != nil {
		assert.True(t, IsReset(err))
		return
	}
	defer unix.Close(fd)
	require.False(t, connected)
	assert.Eventually(t, func() bool {
		return IsReset(SocketError(fd))
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOpenUDPRoundTrip(t *testing.T) {
	server, err := OpenUDP(netip.MustParseAddrPort("127.0.0.1:0"), netip.AddrPort{}, Settings{})
	require.NoError(t, err)
	defer unix.Close(server)
	saddr, err := LocalAddr(server)
	require.NoError(t, err)

	client, err := OpenUDP(netip.AddrPort{}, saddr, Settings{SndBuf: 1 << 16})
	require.NoError(t, err)
	defer unix.Close(client)

	_, err = unix.Write(client, []byte("hi"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	var n int
	var from unix.Sockaddr
	require.Eventually(t, func() bool {
		n, from, err = unix.Recvfrom(server, buf, 0)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hi", string(buf[:n]))
	caddr, err := LocalAddr(client)
	require.NoError(t, err)
	assert.Equal(t, caddr, FromSockaddr(from))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsTemporary(unix.EAGAIN))
	assert.True(t, IsPermission(unix.EPERM))
	assert.True(t, IsReset(unix.ECONNRESET))
	assert.False(t, IsReset(unix.EAGAIN))
}
