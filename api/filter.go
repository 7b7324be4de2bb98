// File: api/filter.go
// Author: momentics <momentics@gmail.com>
//
// Byte-level filter contracts. Filters run synchronously on the reactor
// goroutine, so implementations must never block.

package api

import "net/netip"

// PassFilter decides whether a datagram is forwarded. It may also modify
// the payload, in which case it returns the modified slice.
type PassFilter interface {
	// Check returns the (possibly modified) payload and whether it
	// should be sent. A false result drops the datagram silently.
	Check(client netip.AddrPort, b []byte) ([]byte, bool)
}

// TransformFilter rewrites relayed bytes.
type TransformFilter interface {
	// Transform modifies b in place and returns it, or returns a
	// replacement slice. An empty result drops a stream chunk; datagram
	// relays drop only on nil so that empty datagrams survive.
	Transform(client netip.AddrPort, b []byte) []byte
}

// PassFilterFunc adapts a function to PassFilter.
type PassFilterFunc func(client netip.AddrPort, b []byte) ([]byte, bool)

// Check implements PassFilter.
func (f PassFilterFunc) Check(client netip.AddrPort, b []byte) ([]byte, bool) {
	return f(client, b)
}

// TransformFilterFunc adapts a function to TransformFilter.
type TransformFilterFunc func(client netip.AddrPort, b []byte) []byte

// Transform implements TransformFilter.
func (f TransformFilterFunc) Transform(client netip.AddrPort, b []byte) []byte {
	return f(client, b)
}

// PassFilterFactory allocates a PassFilter for a new peer. Most filters
// carry per-connection state, so a factory is invoked once per peer.
type PassFilterFactory func(client netip.AddrPort) PassFilter

// TransformFilterFactory allocates a TransformFilter for a new peer.
type TransformFilterFactory func(client netip.AddrPort) TransformFilter
