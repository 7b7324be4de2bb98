// File: pool/datagram_queue.go
// Author: momentics <momentics@gmail.com>
//
// Bounded FIFO of datagrams backed by pre-allocated cells.

package pool

import (
	"net/netip"
	"time"

	"github.com/eapache/queue"
	"github.com/momentics/crushproxy/api"
)

type datagram struct {
	addr      netip.AddrPort
	storage   []byte
	data      []byte
	scheduled time.Time
}

// DatagramQueue keeps datagrams in arrival order. A datagram that cannot
// be sent stays at the head until Release.
type DatagramQueue struct {
	entries *queue.Queue // *datagram
	free    []*datagram
	size    int
	pending int
	dropped uint64
	log     api.Logger
}

// NewDatagramQueue allocates count cells of size bytes.
func NewDatagramQueue(count, size int, logger api.Logger) (*DatagramQueue, error) {
	if err := (BufferConfig{Count: count, Size: size}).Validate(); err != nil {
		return nil, err
	}
	q := &DatagramQueue{
		entries: queue.New(),
		free:    make([]*datagram, 0, count),
		size:    size,
		log:     api.DefaultLogger(logger),
	}
	backing := make([]byte, count*size)
	for i := 0; i < count; i++ {
		q.free = append(q.free, &datagram{storage: backing[i*size : (i+1)*size : (i+1)*size]})
	}
	return q, nil
}

// Add copies payload into a free cell scheduled at now+delay. It drops
// the datagram and returns false when no cell is free or the payload does
// not fit.
func (q *DatagramQueue) Add(addr netip.AddrPort, payload []byte, now time.Time, delay time.Duration) bool {
	if len(payload) > q.size {
		q.dropped++
		q.log.Warnf("datagram queue: %d bytes from <%s> exceed cell size %d, dropped", len(payload), addr, q.size)
		return false
	}
	if len(q.free) == 0 {
		q.dropped++
		q.log.Warnf("datagram queue: full, %d bytes from <%s> dropped", len(payload), addr)
		return false
	}
	d := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]
	d.addr = addr
	d.data = d.storage[:copy(d.storage, payload)]
	d.scheduled = now
	if delay > api.NoDelay {
		d.scheduled = now.Add(delay)
	}
	q.entries.Add(d)
	q.pending += len(d.data)
	return true
}

// Request returns the head datagram when it is due. When it is not, ok
// is false and delay tells how long to wait. The payload stays valid
// until Release.
func (q *DatagramQueue) Request(now time.Time) (addr netip.AddrPort, payload []byte, delay time.Duration, ok bool) {
	if q.entries.Length() == 0 {
		return addr, nil, api.NoDelay, false
	}
	d := q.entries.Peek().(*datagram)
	if d.scheduled.After(now) {
		return d.addr, nil, d.scheduled.Sub(now), false
	}
	return d.addr, d.data, api.NoDelay, true
}

// Retry keeps the head datagram for the next Request. Request only peeks,
// so the head is already in place.
func (q *DatagramQueue) Retry() {}

// Release removes the head datagram and recycles its cell.
func (q *DatagramQueue) Release() {
	if q.entries.Length() == 0 {
		return
	}
	d := q.entries.Remove().(*datagram)
	q.pending -= len(d.data)
	d.data = nil
	q.free = append(q.free, d)
}

// Len returns the number of queued datagrams.
func (q *DatagramQueue) Len() int {
	return q.entries.Length()
}

// PendingBytes returns the number of queued payload bytes.
func (q *DatagramQueue) PendingBytes() int {
	return q.pending
}

// Dropped returns the number of datagrams rejected by Add.
func (q *DatagramQueue) Dropped() uint64 {
	return q.dropped
}

// Reset drops every queued datagram.
func (q *DatagramQueue) Reset() {
	for q.entries.Length() > 0 {
		q.Release()
	}
}
