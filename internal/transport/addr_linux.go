//go:build linux
// +build linux

// File: internal/transport/addr_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/momentics/crushproxy/api"
	"golang.org/x/sys/unix"
)

// ToSockaddr converts an address into its socket form.
func ToSockaddr(ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr().Unmap()
	switch {
	case addr.Is4():
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	case addr.Is6():
		sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
		if zone := addr.Zone(); zone != "" {
			if id, err := zoneIndex(zone); err == nil {
				sa.ZoneId = id
			}
		}
		return sa, nil
	default:
		return nil, fmt.Errorf("%w: address %s", api.ErrInvalidArgument, ap)
	}
}

// ToSockaddrFamily converts ap for a socket of the given family. IPv4
// addresses become IPv4-mapped IPv6 addresses on AF_INET6 sockets.
func ToSockaddrFamily(ap netip.AddrPort, family int) (unix.Sockaddr, error) {
	addr := ap.Addr().Unmap()
	if family == unix.AF_INET6 && addr.Is4() {
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, nil
	}
	return ToSockaddr(ap)
}

// FromSockaddr converts a socket address. Unknown families map to the
// zero AddrPort.
func FromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

// Family returns the socket domain for ap.
func Family(ap netip.AddrPort) int {
	if ap.Addr().Unmap().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// LocalAddr returns the address the socket is bound to.
func LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	return FromSockaddr(sa), nil
}

// RemoteAddr returns the address of the connected peer.
func RemoteAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getpeername: %w", err)
	}
	return FromSockaddr(sa), nil
}

func zoneIndex(zone string) (uint32, error) {
	iface, err := net.InterfaceByName(zone)
	if err != nil {
		return 0, err
	}
	return uint32(iface.Index), nil
}
