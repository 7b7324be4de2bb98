// File: throttle/factory.go
// Author: momentics <momentics@gmail.com>
//
// Throttler factories and combinators. A combinator allocates one instance
// of every inner throttler per peer and merges their delays.

package throttle

import (
	"math"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/momentics/crushproxy/api"
)

// NoopFactory allocates the no-op throttler.
func NoopFactory() api.ThrottlerFactory {
	return func(netip.AddrPort) api.Throttler {
		return Noop
	}
}

// Shared returns a factory handing out the same instance to every peer.
// The UDP relay uses it for aggregate inbound shaping.
func Shared(t api.Throttler) api.ThrottlerFactory {
	return func(netip.AddrPort) api.Throttler {
		return t
	}
}

// DelayFactory allocates a DelayThrottler per peer.
func DelayFactory(constant, jitter time.Duration) api.ThrottlerFactory {
	return func(netip.AddrPort) api.Throttler {
		return Delay(constant, jitter)
	}
}

// ByteRateFactory validates the parameters once and allocates a ByteRate
// throttler per peer.
func ByteRateFactory(rate int64, period time.Duration, opts ...RateOption) (api.ThrottlerFactory, error) {
	if _, err := ByteRate(rate, period, opts...); err != nil {
		return nil, err
	}
	return func(netip.AddrPort) api.Throttler {
		t, _ := ByteRate(rate, period, opts...)
		return t
	}, nil
}

// TokenBucketFactory validates the parameters once and allocates a
// token-bucket throttler per peer. A nil clock uses the wall clock.
func TokenBucketFactory(bytesPerSecond float64, burst int, clk clock.Clock) (api.ThrottlerFactory, error) {
	if _, err := TokenBucket(bytesPerSecond, burst, clk); err != nil {
		return nil, err
	}
	return func(netip.AddrPort) api.Throttler {
		t, _ := TokenBucket(bytesPerSecond, burst, clk)
		return t
	}, nil
}

// PacketRateFactory validates the parameters once and allocates a
// PacketRate throttler per peer.
func PacketRateFactory(rate int64, period time.Duration, opts ...RateOption) (api.ThrottlerFactory, error) {
	if _, err := PacketRate(rate, period, opts...); err != nil {
		return nil, err
	}
	return func(netip.AddrPort) api.Throttler {
		t, _ := PacketRate(rate, period, opts...)
		return t
	}, nil
}

// Sum adds the delays of all throttlers.
func Sum(factories ...api.ThrottlerFactory) (api.ThrottlerFactory, error) {
	return combine(factories, 0, func(acc, d time.Duration) time.Duration { return acc + d })
}

// Max selects the longest delay.
func Max(factories ...api.ThrottlerFactory) (api.ThrottlerFactory, error) {
	return combine(factories, math.MinInt64, func(acc, d time.Duration) time.Duration { return max(acc, d) })
}

// Min selects the shortest delay.
func Min(factories ...api.ThrottlerFactory) (api.ThrottlerFactory, error) {
	return combine(factories, math.MaxInt64, func(acc, d time.Duration) time.Duration { return min(acc, d) })
}

func combine(factories []api.ThrottlerFactory, initial time.Duration,
	merge func(acc, d time.Duration) time.Duration) (api.ThrottlerFactory, error) {
	if len(factories) == 0 {
		return nil, api.InvalidOption("factories", 0, "empty throttler list")
	}
	return func(client netip.AddrPort) api.Throttler {
		throttlers := make([]api.Throttler, 0, len(factories))
		for _, f := range factories {
			throttlers = append(throttlers, f(client))
		}
		return api.ThrottlerFunc(func(client netip.AddrPort, b []byte) time.Duration {
			acc := initial
			for _, t := range throttlers {
				acc = merge(acc, t.DelayBeforeSend(client, b))
			}
			return acc
		})
	}, nil
}
