// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw nonblocking socket helpers for the relays: opening listen, connect
// and datagram sockets, applying socket options, converting between
// netip.AddrPort and unix.Sockaddr and classifying errno values.

package transport
