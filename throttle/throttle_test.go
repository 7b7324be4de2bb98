package throttle_test

import (
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/momentics/crushproxy/api"
	"github.com/momentics/crushproxy/throttle"
	"github.com/montanaflynn/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var client = netip.MustParseAddrPort("127.0.0.1:40000")

// measureRate drives t with randomized bursts as fast as allowed for the
// given amount of simulated time and returns the observed bytes per second.
func measureRate(t *testing.T, th api.Throttler, clk *clock.Mock, seed uint64, duration time.Duration) float64 {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed*31+7))
	start := clk.Now()
	buf := make([]byte, 8192)
	var total int64
	for clk.Since(start) < duration {
		size := 1 + rng.IntN(len(buf))
		delay := th.DelayBeforeSend(client, buf[:size])
		require.GreaterOrEqual(t, delay, time.Duration(0))
		if delay > 0 {
			clk.Add(delay)
		}
		total += int64(size)
	}
	return float64(total) / clk.Since(start).Seconds()
}

func TestByteRateAccuracy(t *testing.T) {
	const rate = 100_000
	var measured stats.Float64Data
	for seed := uint64(1); seed <= 4; seed++ {
		clk := clock.NewMock()
		th, err := throttle.ByteRate(rate, time.Second, throttle.WithClock(clk))
		require.NoError(t, err)
		r := measureRate(t, th, clk, seed, 10*time.Second)
		assert.InEpsilon(t, rate, r, 0.02, "seed %d", seed)
		measured = append(measured, r)
	}
	mean, err := stats.Mean(measured)
	require.NoError(t, err)
	assert.InEpsilon(t, rate, mean, 0.015)
}

func TestByteRateAccuracyWithExplicitFactor(t *testing.T) {
	const rate = 1_000_000
	clk := clock.NewMock()
	th, err := throttle.ByteRate(rate, time.Second, throttle.WithClock(clk), throttle.WithFactor(10))
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, th.Period())
	assert.Equal(t, int64(100_000), th.Rate())
	r := measureRate(t, th, clk, 42, 30*time.Second)
	assert.InEpsilon(t, rate, r, 0.02)
}

func TestPacketRate(t *testing.T) {
	clk := clock.NewMock()
	th, err := throttle.PacketRate(100, time.Second, throttle.WithClock(clk))
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, th.Period())
	assert.Equal(t, int64(5), th.Rate())

	start := clk.Now()
	for i := 0; i < 1000; i++ {
		if d := th.DelayBeforeSend(client, nil); d > 0 {
			clk.Add(d)
		}
	}
	assert.Equal(t, 10*time.Second, clk.Since(start))
}

func TestRateAllowsSlowSenders(t *testing.T) {
	clk := clock.NewMock()
	th, err := throttle.ByteRate(1000, time.Second, throttle.WithClock(clk), throttle.WithFactor(1))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		clk.Add(200 * time.Millisecond)
		require.Equal(t, api.NoDelay, th.DelayBeforeSend(client, make([]byte, 100)))
	}
}

func TestRateInvalidParameters(t *testing.T) {
	_, err := throttle.ByteRate(0, time.Second)
	require.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = throttle.ByteRate(1000, time.Millisecond, throttle.WithFactor(1))
	require.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = throttle.ByteRate(1000, 2*time.Hour, throttle.WithFactor(1))
	require.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = throttle.PacketRate(10, time.Second, throttle.WithFactor(20))
	require.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = throttle.ByteRateFactory(-1, time.Second)
	require.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestTokenBucket(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1000, 0))
	th, err := throttle.TokenBucket(1000, 100, clk)
	require.NoError(t, err)

	chunk := make([]byte, 100)
	assert.Equal(t, api.NoDelay, th.DelayBeforeSend(client, chunk))
	assert.Equal(t, 100*time.Millisecond, th.DelayBeforeSend(client, chunk))
	assert.Equal(t, 200*time.Millisecond, th.DelayBeforeSend(client, chunk))
	assert.Equal(t, api.NoDelay, th.DelayBeforeSend(client, nil))
}

func TestDelayThrottler(t *testing.T) {
	th := throttle.Delay(10*time.Millisecond, 0)
	assert.Equal(t, 10*time.Millisecond, th.DelayBeforeSend(client, nil))

	jittered := throttle.Delay(10*time.Millisecond, 5*time.Millisecond)
	for i := 0; i < 100; i++ {
		d := jittered.DelayBeforeSend(client, nil)
		require.GreaterOrEqual(t, d, 10*time.Millisecond)
		require.LessOrEqual(t, d, 15*time.Millisecond)
	}
}

func TestCombinators(t *testing.T) {
	a := throttle.DelayFactory(10*time.Millisecond, 0)
	b := throttle.DelayFactory(20*time.Millisecond, 0)

	sum, err := throttle.Sum(a, b)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Millisecond, sum(client).DelayBeforeSend(client, nil))

	mx, err := throttle.Max(a, b)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, mx(client).DelayBeforeSend(client, nil))

	mn, err := throttle.Min(a, b, throttle.NoopFactory())
	require.NoError(t, err)
	assert.Equal(t, api.NoDelay, mn(client).DelayBeforeSend(client, nil))

	_, err = throttle.Sum()
	require.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestFactoriesAllocatePerPeer(t *testing.T) {
	f, err := throttle.ByteRateFactory(1000, time.Second)
	require.NoError(t, err)
	assert.NotSame(t, f(client), f(client))

	clk := clock.NewMock()
	clk.Set(time.Unix(1000, 0))
	tb, err := throttle.TokenBucketFactory(1000, 100, clk)
	require.NoError(t, err)
	a, b := tb(client), tb(client)
	assert.NotSame(t, a, b)
	chunk := make([]byte, 100)
	assert.Equal(t, api.NoDelay, a.DelayBeforeSend(client, chunk))
	assert.Equal(t, 100*time.Millisecond, a.DelayBeforeSend(client, chunk))
	// the second peer has its own bucket
	assert.Equal(t, api.NoDelay, b.DelayBeforeSend(client, chunk))

	_, err = throttle.TokenBucketFactory(1000, 0, clk)
	require.ErrorIs(t, err, api.ErrInvalidArgument)

	shared := throttle.Delay(time.Millisecond, 0)
	g := throttle.Shared(shared)
	assert.Same(t, g(client), g(netip.MustParseAddrPort("127.0.0.1:1")))
}
