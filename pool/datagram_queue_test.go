package pool

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatagramQueueFIFOAndRetry(t *testing.T) {
	q, err := NewDatagramQueue(4, 16, nil)
	require.NoError(t, err)
	now := time.Now()
	other := netip.MustParseAddrPort("127.0.0.1:6000")

	require.True(t, q.Add(peer, []byte("one"), now, 0))
	require.True(t, q.Add(other, []byte("two"), now, 0))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 6, q.PendingBytes())

	addr, payload, _, ok := q.Request(now)
	require.True(t, ok)
	assert.Equal(t, peer, addr)
	assert.Equal(t, "one", string(payload))

	q.Retry()
	_, payload, _, ok = q.Request(now)
	require.True(t, ok)
	assert.Equal(t, "one", string(payload))
	q.Release()

	addr, payload, _, ok = q.Request(now)
	require.True(t, ok)
	assert.Equal(t, other, addr)
	assert.Equal(t, "two", string(payload))
	q.Release()

	_, _, _, ok = q.Request(now)
	assert.False(t, ok)
}

func TestDatagramQueueDropsWhenExhausted(t *testing.T) {
	q, err := NewDatagramQueue(2, 4, nil)
	require.NoError(t, err)
	now := time.Now()

	assert.True(t, q.Add(peer, []byte("a"), now, 0))
	assert.True(t, q.Add(peer, []byte("b"), now, 0))
	assert.False(t, q.Add(peer, []byte("c"), now, 0))
	assert.False(t, q.Add(peer, []byte("too long"), now, 0))
	assert.Equal(t, uint64(2), q.Dropped())

	q.Release()
	assert.True(t, q.Add(peer, []byte("c"), now, 0))
}

func TestDatagramQueueKeepsEmptyDatagrams(t *testing.T) {
	q, err := NewDatagramQueue(2, 4, nil)
	require.NoError(t, err)
	now := time.Now()

	require.True(t, q.Add(peer, nil, now, 0))
	assert.Equal(t, 1, q.Len())
	_, payload, _, ok := q.Request(now)
	require.True(t, ok)
	assert.NotNil(t, payload)
	assert.Empty(t, payload)
}

func TestDatagramQueueDelay(t *testing.T) {
	q, err := NewDatagramQueue(2, 4, nil)
	require.NoError(t, err)
	now := time.Now()

	require.True(t, q.Add(peer, []byte("x"), now, 20*time.Millisecond))
	_, payload, delay, ok := q.Request(now)
	assert.False(t, ok)
	assert.Nil(t, payload)
	assert.Equal(t, 20*time.Millisecond, delay)

	_, payload, _, ok = q.Request(now.Add(20 * time.Millisecond))
	assert.True(t, ok)
	assert.Equal(t, "x", string(payload))

	q.Reset()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.PendingBytes())
}
