// File: throttle/tokenbucket.go
// Author: momentics <momentics@gmail.com>
//
// Token-bucket byte throttler backed by golang.org/x/time/rate.

package throttle

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/momentics/crushproxy/api"
	"golang.org/x/time/rate"
)

// TokenBucketThrottler lets bursts of up to burst bytes through and then
// paces the flow at bytesPerSecond.
type TokenBucketThrottler struct {
	limiter *rate.Limiter
	burst   int
	clock   clock.Clock
}

var _ api.Throttler = &TokenBucketThrottler{}

// TokenBucket creates a token-bucket throttler. Chunks larger than burst are
// accounted as burst bytes.
func TokenBucket(bytesPerSecond float64, burst int, clk clock.Clock) (*TokenBucketThrottler, error) {
	if bytesPerSecond <= 0 {
		return nil, api.InvalidOption("bytesPerSecond", bytesPerSecond, "rate must be positive")
	}
	if burst <= 0 {
		return nil, api.InvalidOption("burst", burst, "burst must be positive")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TokenBucketThrottler{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		burst:   burst,
		clock:   clk,
	}, nil
}

// DelayBeforeSend implements api.Throttler.
func (t *TokenBucketThrottler) DelayBeforeSend(_ netip.AddrPort, b []byte) time.Duration {
	n := min(len(b), t.burst)
	if n == 0 {
		return api.NoDelay
	}
	now := t.clock.Now()
	r := t.limiter.ReserveN(now, n)
	if !r.OK() {
		return api.NoDelay
	}
	return r.DelayFrom(now)
}
