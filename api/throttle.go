// File: api/throttle.go
// Author: momentics <momentics@gmail.com>
//
// Throttler contract for rate and latency injection.

package api

import (
	"net/netip"
	"time"
)

// NoDelay means the chunk may be sent right away.
const NoDelay time.Duration = 0

// Throttler maps a chunk of data to the delay required before it may be sent.
type Throttler interface {
	// DelayBeforeSend returns NoDelay or a positive delay. Implementations
	// keep state (windows, counters) and are not safe for concurrent use.
	DelayBeforeSend(client netip.AddrPort, b []byte) time.Duration
}

// ThrottlerFunc adapts a function to Throttler.
type ThrottlerFunc func(client netip.AddrPort, b []byte) time.Duration

// DelayBeforeSend implements Throttler.
func (f ThrottlerFunc) DelayBeforeSend(client netip.AddrPort, b []byte) time.Duration {
	return f(client, b)
}

// ThrottlerFactory allocates a Throttler for a new peer.
type ThrottlerFactory func(client netip.AddrPort) Throttler
