//go:build linux
// +build linux

// File: internal/transport/socket_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"net/netip"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Settings are socket options applied to a fresh socket. Zero values
// leave the system defaults.
type Settings struct {
	RcvBuf    int
	SndBuf    int
	KeepAlive bool
	NoDelay   bool
	Broadcast bool
	// Linger enables SO_LINGER with the given seconds when >= 0.
	Linger int
}

// NoLinger disables SO_LINGER in Settings.Linger.
const NoLinger = -1

// Apply sets the options in s on fd.
func Apply(fd int, s Settings, stream bool) error {
	if s.RcvBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, s.RcvBuf); err != nil {
			return fmt.Errorf("SO_RCVBUF: %w", err)
		}
	}
	if s.SndBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, s.SndBuf); err != nil {
			return fmt.Errorf("SO_SNDBUF: %w", err)
		}
	}
	if !stream {
		if s.Broadcast {
			if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
				return fmt.Errorf("SO_BROADCAST: %w", err)
			}
		}
		return nil
	}
	if s.KeepAlive {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return fmt.Errorf("SO_KEEPALIVE: %w", err)
		}
	}
	if s.NoDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return fmt.Errorf("TCP_NODELAY: %w", err)
		}
	}
	if s.Linger >= 0 {
		l := unix.Linger{Onoff: 1, Linger: int32(s.Linger)}
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &l); err != nil {
			return fmt.Errorf("SO_LINGER: %w", err)
		}
	}
	return nil
}

func socket(ap netip.AddrPort, typ int) (int, error) {
	fd, err := unix.Socket(Family(ap), typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	return fd, nil
}

func bind(fd int, ap netip.AddrPort) error {
	sa, err := ToSockaddr(ap)
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind %s: %w", ap, err)
	}
	return nil
}

// Listen opens a nonblocking listening TCP socket.
func Listen(ap netip.AddrPort, backlog int, s Settings) (fd int, err error) {
	if fd, err = socket(ap, unix.SOCK_STREAM); err != nil {
		return -1, err
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
			fd = -1
		}
	}()
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fd, fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if s.RcvBuf > 0 {
		// inherited by accepted sockets
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, s.RcvBuf); err != nil {
			return fd, fmt.Errorf("SO_RCVBUF: %w", err)
		}
	}
	if err = bind(fd, ap); err != nil {
		return fd, err
	}
	if err = unix.Listen(fd, backlog); err != nil {
		return fd, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// Accept accepts one pending connection as a nonblocking socket.
func Accept(fd int) (int, netip.AddrPort, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	return nfd, FromSockaddr(sa), nil
}

// Connect starts a nonblocking connect to ap, optionally binding the
// local end to local first. connected is false while the handshake is in
// progress; completion is signalled by write readiness.
func Connect(ap, local netip.AddrPort, s Settings) (fd int, connected bool, err error) {
	if fd, err = socket(ap, unix.SOCK_STREAM); err != nil {
		return -1, false, err
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
			fd = -1
		}
	}()
	if err = Apply(fd, s, true); err != nil {
		return fd, false, err
	}
	if local.IsValid() {
		if err = bind(fd, local); err != nil {
			return fd, false, err
		}
	}
	sa, err := ToSockaddr(ap)
	if err != nil {
		return fd, false, err
	}
	switch err = unix.Connect(fd, sa); {
	case err == nil:
		return fd, true, nil
	case errors.Is(err, unix.EINPROGRESS):
		return fd, false, nil
	default:
		return fd, false, fmt.Errorf("connect %s: %w", ap, err)
	}
}

// OpenUDP opens a nonblocking datagram socket bound to local when valid
// and connected to remote when valid.
func OpenUDP(local, remote netip.AddrPort, s Settings) (fd int, err error) {
	family := local
	if !family.IsValid() {
		family = remote
	}
	if fd, err = socket(family, unix.SOCK_DGRAM); err != nil {
		return -1, err
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
			fd = -1
		}
	}()
	if err = Apply(fd, s, false); err != nil {
		return fd, err
	}
	if local.IsValid() {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fd, fmt.Errorf("SO_REUSEADDR: %w", err)
		}
		if err = bind(fd, local); err != nil {
			return fd, err
		}
	}
	if remote.IsValid() {
		sa, err := ToSockaddr(remote)
		if err != nil {
			return fd, err
		}
		if err := unix.Connect(fd, sa); err != nil {
			return fd, fmt.Errorf("connect %s: %w", remote, err)
		}
	}
	return fd, nil
}

// SocketError returns the pending SO_ERROR of fd, if any.
func SocketError(fd int) error {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("SO_ERROR: %w", err)
	}
	if code != 0 {
		return unix.Errno(code)
	}
	return nil
}

// ShutdownWrite half-closes the sending side of fd.
func ShutdownWrite(fd int) error {
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil && !errors.Is(err, unix.ENOTCONN) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Abort closes fd with a zero linger so the peer sees a reset.
func Abort(fd int) error {
	l := unix.Linger{Onoff: 1, Linger: 0}
	return multierr.Append(
		unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &l),
		unix.Close(fd),
	)
}

// IsTemporary reports errors that mean "try again later".
func IsTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// IsPermission reports EPERM and EACCES, as returned by netfilter drops.
func IsPermission(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES)
}

// IsReset reports errors caused by the peer going away.
func IsReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNREFUSED)
}
