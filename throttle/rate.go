// File: throttle/rate.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Windowed rate throttling with proportional allowance for partial windows.

package throttle

import (
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/momentics/crushproxy/api"
)

const (
	// AutoFactor lets the throttler pick the subdivision factor.
	AutoFactor = 0

	// MaxPeriod is the longest accepted (sub-)period.
	MaxPeriod = time.Hour

	// MinPeriod is the shortest accepted (sub-)period.
	MinPeriod = 10 * time.Millisecond

	minAutoFactorPeriod = 20 * time.Millisecond
	minAutoFactorRate   = 5
)

// RateOption customizes a rate throttler.
type RateOption func(*rateConfig)

type rateConfig struct {
	factor int
	clock  clock.Clock
}

// WithFactor subdivides both rate and period by factor. Smaller windows give
// smaller bursts without changing the long-run average rate.
func WithFactor(factor int) RateOption {
	return func(c *rateConfig) {
		c.factor = factor
	}
}

// WithClock sets the clock used to measure windows.
func WithClock(clk clock.Clock) RateOption {
	return func(c *rateConfig) {
		c.clock = clk
	}
}

// RateThrottler limits the number of events (bytes or packets) per period.
type RateThrottler struct {
	period time.Duration
	rate   int64
	clock  clock.Clock
	events func(b []byte) int64

	marker time.Time
	count  int64
}

var _ api.Throttler = &RateThrottler{}

// ByteRate creates a throttler allowing rate bytes per period.
func ByteRate(rate int64, period time.Duration, opts ...RateOption) (*RateThrottler, error) {
	return newRateThrottler(rate, period, byteEvents, opts...)
}

// PacketRate creates a throttler allowing rate packets (datagrams) per period.
func PacketRate(rate int64, period time.Duration, opts ...RateOption) (*RateThrottler, error) {
	return newRateThrottler(rate, period, packetEvents, opts...)
}

func byteEvents(b []byte) int64 {
	return int64(len(b))
}

func packetEvents([]byte) int64 {
	return 1
}

func newRateThrottler(rate int64, period time.Duration, events func([]byte) int64,
	opts ...RateOption) (*RateThrottler, error) {
	cfg := &rateConfig{factor: AutoFactor}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	if rate <= 0 || period <= 0 {
		return nil, api.InvalidOption("rate", fmt.Sprintf("%d/%s", rate, period), "rate and period must be positive")
	}
	if cfg.factor < 0 {
		return nil, api.InvalidOption("factor", cfg.factor, "factor must not be negative")
	}

	factor := cfg.factor
	if factor == AutoFactor {
		factor = autoFactor(rate, period)
	}

	effectiveRate := rate / int64(factor)
	effectivePeriod := period / time.Duration(factor)

	if effectiveRate < 1 || effectiveRate > math.MaxInt32 {
		return nil, api.InvalidOption("rate", effectiveRate, "effective rate is out of range")
	}
	if effectivePeriod > MaxPeriod {
		return nil, api.InvalidOption("period", effectivePeriod, "period is too long")
	}
	if effectivePeriod < MinPeriod {
		return nil, api.InvalidOption("period", effectivePeriod, "period is too short")
	}

	return &RateThrottler{
		period: effectivePeriod,
		rate:   effectiveRate,
		clock:  cfg.clock,
		events: events,
		marker: cfg.clock.Now(),
	}, nil
}

// autoFactor splits the period so that a sub-period is no shorter than
// 20ms and allows at least 5 events.
func autoFactor(rate int64, period time.Duration) int {
	byRate := rate / minAutoFactorRate
	byPeriod := int64(period / minAutoFactorPeriod)
	return int(max(1, min(byRate, byPeriod)))
}

// Period returns the effective (sub-)period.
func (t *RateThrottler) Period() time.Duration {
	return t.period
}

// Rate returns the events allowed per effective period.
func (t *RateThrottler) Rate() int64 {
	return t.rate
}

// DelayBeforeSend implements api.Throttler.
func (t *RateThrottler) DelayBeforeSend(_ netip.AddrPort, b []byte) time.Duration {
	now := t.clock.Now()
	// elapsed is negative while a previous delay has not expired yet
	elapsed := now.Sub(t.marker)

	t.count += t.events(b)

	delay := api.NoDelay
	if elapsed >= t.period || t.count >= t.rate {
		registered := float64(t.count)
		allowed := float64(t.rate) * float64(elapsed) / float64(t.period)
		if registered > allowed {
			excess := registered - allowed
			delay = time.Duration(math.Round(float64(t.period) * excess / float64(t.rate)))
		}
		t.marker = now.Add(delay)
		t.count = 0
	}
	return delay
}
