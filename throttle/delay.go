// File: throttle/delay.go
// Author: momentics <momentics@gmail.com>
//
// Latency injection and the no-op throttler.

package throttle

import (
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/momentics/crushproxy/api"
)

// Noop never delays.
var Noop api.Throttler = api.ThrottlerFunc(func(netip.AddrPort, []byte) time.Duration {
	return api.NoDelay
})

// DelayThrottler adds a constant delay plus an optional uniform random jitter.
type DelayThrottler struct {
	constant time.Duration
	jitter   time.Duration
}

var _ api.Throttler = &DelayThrottler{}

// Delay creates a latency injecting throttler.
func Delay(constant, jitter time.Duration) *DelayThrottler {
	return &DelayThrottler{constant: max(0, constant), jitter: max(0, jitter)}
}

// DelayBeforeSend implements api.Throttler.
func (t *DelayThrottler) DelayBeforeSend(netip.AddrPort, []byte) time.Duration {
	d := t.constant
	if t.jitter > 0 {
		d += time.Duration(rand.Int64N(int64(t.jitter) + 1))
	}
	return d
}
