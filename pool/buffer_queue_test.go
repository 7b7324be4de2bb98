package pool

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/momentics/crushproxy/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var peer = netip.MustParseAddrPort("127.0.0.1:5000")

// fill copies src into the fillable space and returns the bytes taken.
func fill(q *BufferQueue, src []byte) int {
	n := 0
	for _, b := range q.RequestFillable() {
		if n == len(src) {
			break
		}
		n += copy(b, src[n:])
	}
	q.ReleaseFillable(n)
	return n
}

// drain copies every due byte out of the queue.
func drain(q *BufferQueue, now time.Time) ([]byte, time.Duration) {
	var out []byte
	bufs, delay := q.RequestDrainable(now)
	for _, b := range bufs {
		out = append(out, b...)
	}
	q.ReleaseDrainable(len(out))
	return out, delay
}

func newQueue(t *testing.T, cfg BufferConfig) *BufferQueue {
	t.Helper()
	q, err := NewBufferQueue(cfg)
	require.NoError(t, err)
	return q
}

func TestBufferQueueCapacityAndBackpressure(t *testing.T) {
	q := newQueue(t, BufferConfig{Count: 4, Size: 8})
	assert.Equal(t, 32, q.Capacity())
	assert.True(t, q.HasFillable())
	assert.False(t, q.HasDrainable())

	payload := bytes.Repeat([]byte{'a'}, 100)
	assert.Equal(t, 32, fill(q, payload))
	assert.False(t, q.HasFillable())
	assert.Empty(t, q.RequestFillable())
	assert.Equal(t, 32, q.PendingBytes())

	out, _ := drain(q, time.Now())
	assert.Len(t, out, 32)
	assert.True(t, q.HasFillable())
	assert.Equal(t, 0, q.PendingBytes())
}

func TestBufferQueuePreservesOrderAcrossWraparound(t *testing.T) {
	q := newQueue(t, BufferConfig{Count: 3, Size: 5})

	var in, out []byte
	next := byte(0)
	for round := 0; round < 50; round++ {
		chunk := make([]byte, 1+round%11)
		for i := range chunk {
			chunk[i] = next
			next++
		}
		n := fill(q, chunk)
		in = append(in, chunk[:n]...)
		next -= byte(len(chunk) - n)

		// drain only part of the data to exercise partial cells
		bufs, _ := q.RequestDrainable(time.Now())
		taken := 0
		for _, b := range bufs {
			take := min(len(b), 3)
			out = append(out, b[:take]...)
			taken += take
			if take < len(b) {
				break
			}
		}
		q.ReleaseDrainable(taken)
	}
	rest, _ := drain(q, time.Now())
	out = append(out, rest...)
	for q.HasDrainable() {
		rest, _ = drain(q, time.Now())
		out = append(out, rest...)
	}
	assert.Equal(t, in, out)
}

func TestBufferQueuePromotesPartialCellOnDrain(t *testing.T) {
	q := newQueue(t, BufferConfig{Count: 2, Size: 16})

	fill(q, []byte("hello"))
	assert.True(t, q.HasDrainable())
	out, delay := drain(q, time.Now())
	assert.Equal(t, "hello", string(out))
	assert.Equal(t, api.NoDelay, delay)
	assert.False(t, q.HasDrainable())
}

func TestBufferQueueKeepsFillingWhileConsumerIsBlocked(t *testing.T) {
	q := newQueue(t, BufferConfig{Count: 2, Size: 8})
	now := time.Now()

	fill(q, []byte("abc"))
	bufs, _ := q.RequestDrainable(now)
	require.Len(t, bufs, 1)
	assert.Equal(t, "abc", string(bufs[0]))

	// the writer stalls; later small reads share one cell
	fill(q, []byte("de"))
	fill(q, []byte("fgh"))
	bufs, _ = q.RequestDrainable(now)
	require.Len(t, bufs, 1)
	assert.True(t, q.HasFillable())
	assert.Equal(t, 8, q.PendingBytes())

	assert.Equal(t, 3, fill(q, []byte("ijklmn")))
	assert.False(t, q.HasFillable())

	out, _ := drain(q, now)
	assert.Equal(t, "abcdefghijk", string(out))
	assert.False(t, q.HasDrainable())
}

func TestBufferQueueAppliesTransform(t *testing.T) {
	upper := api.TransformFilterFunc(func(_ netip.AddrPort, b []byte) []byte {
		return bytes.ToUpper(b)
	})
	q := newQueue(t, BufferConfig{Count: 2, Size: 4, Filter: upper, Client: peer})

	fill(q, []byte("abcdef"))
	out, _ := drain(q, time.Now())
	assert.Equal(t, "ABCDEF", string(out))

	// replacement slices are dropped on recycle
	fill(q, []byte("xy"))
	out, _ = drain(q, time.Now())
	assert.Equal(t, "XY", string(out))
}

func TestBufferQueueHonoursThrottleDelay(t *testing.T) {
	clk := clock.NewMock()
	throttler := api.ThrottlerFunc(func(_ netip.AddrPort, b []byte) time.Duration {
		return time.Duration(len(b)) * time.Millisecond
	})
	q := newQueue(t, BufferConfig{Count: 2, Size: 10, Throttler: throttler, Clock: clk})

	fill(q, []byte("0123456789"))
	bufs, delay := q.RequestDrainable(clk.Now())
	assert.Empty(t, bufs)
	assert.Equal(t, 10*time.Millisecond, delay)

	clk.Add(10 * time.Millisecond)
	out, delay := drain(q, clk.Now())
	assert.Equal(t, "0123456789", string(out))
	assert.Equal(t, api.NoDelay, delay)
}

func TestBufferQueueReset(t *testing.T) {
	q := newQueue(t, BufferConfig{Count: 2, Size: 4})
	fill(q, []byte("abcdef"))
	q.Reset()
	assert.False(t, q.HasDrainable())
	assert.Equal(t, 0, q.PendingBytes())
	assert.Len(t, q.RequestFillable(), 2)
}

func TestBufferConfigValidate(t *testing.T) {
	_, err := NewBufferQueue(BufferConfig{Count: 0, Size: 4})
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = NewBufferQueue(BufferConfig{Count: 1, Size: 0})
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}
