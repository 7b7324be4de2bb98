// File: pool/buffer_queue.go
// Author: momentics <momentics@gmail.com>
//
// Circular byte queue for one TCP direction.

package pool

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/momentics/crushproxy/api"
)

// BufferConfig sizes a queue and binds its per-peer processing.
type BufferConfig struct {
	// Count is the number of cells.
	Count int
	// Size is the capacity of each cell in bytes.
	Size int
	// Client identifies the peer passed to Filter and Throttler.
	Client netip.AddrPort
	// Filter transforms a cell when it is promoted for draining.
	Filter api.TransformFilter
	// Throttler delays a promoted cell.
	Throttler api.Throttler
	// Clock stamps promoted cells; the wall clock by default.
	Clock clock.Clock
}

// Validate checks the sizing parameters.
func (c BufferConfig) Validate() error {
	if c.Count <= 0 {
		return api.InvalidOption("Buffer.Count", c.Count, "cell count must be positive")
	}
	if c.Size <= 0 {
		return api.InvalidOption("Buffer.Size", c.Size, "cell size must be positive")
	}
	return nil
}

type cell struct {
	storage   []byte
	data      []byte // promoted payload, storage[:filled] or a filter replacement
	filled    int
	drained   int
	scheduled time.Time
}

func (c *cell) reset() {
	c.data = nil
	c.filled = 0
	c.drained = 0
	c.scheduled = time.Time{}
}

// BufferQueue is a fixed circular array of cells. Cells
// [first, first+ready) are promoted and wait to be drained; the cell right
// after them may be partially filled; the rest are free.
type BufferQueue struct {
	cells     []cell
	first     int
	ready     int
	client    netip.AddrPort
	filter    api.TransformFilter
	throttler api.Throttler
	clock     clock.Clock

	fillVec  [][]byte
	drainVec [][]byte
}

// NewBufferQueue allocates every cell of the queue.
func NewBufferQueue(cfg BufferConfig) (*BufferQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	q := &BufferQueue{
		cells:     make([]cell, cfg.Count),
		client:    cfg.Client,
		filter:    cfg.Filter,
		throttler: cfg.Throttler,
		clock:     cfg.Clock,
		fillVec:   make([][]byte, 0, cfg.Count),
		drainVec:  make([][]byte, 0, cfg.Count),
	}
	backing := make([]byte, cfg.Count*cfg.Size)
	for i := range q.cells {
		q.cells[i].storage = backing[i*cfg.Size : (i+1)*cfg.Size : (i+1)*cfg.Size]
	}
	return q, nil
}

func (q *BufferQueue) at(i int) *cell {
	return &q.cells[(q.first+i)%len(q.cells)]
}

// RequestFillable returns the free space of the queue in fill order. The
// slices stay valid until the next call on the queue.
func (q *BufferQueue) RequestFillable() [][]byte {
	q.fillVec = q.fillVec[:0]
	for i := q.ready; i < len(q.cells); i++ {
		c := q.at(i)
		q.fillVec = append(q.fillVec, c.storage[c.filled:])
	}
	return q.fillVec
}

// ReleaseFillable commits n bytes written into the fillable space. Cells
// that become full are promoted.
func (q *BufferQueue) ReleaseFillable(n int) {
	now := q.clock.Now()
	for n > 0 && q.ready < len(q.cells) {
		c := q.at(q.ready)
		k := min(n, len(c.storage)-c.filled)
		c.filled += k
		n -= k
		if c.filled < len(c.storage) {
			break
		}
		q.promote(c, now)
	}
}

func (q *BufferQueue) promote(c *cell, now time.Time) {
	c.data = c.storage[:c.filled]
	if q.filter != nil {
		c.data = q.filter.Transform(q.client, c.data)
	}
	c.scheduled = now
	if q.throttler != nil {
		if d := q.throttler.DelayBeforeSend(q.client, c.data); d > api.NoDelay {
			c.scheduled = now.Add(d)
		}
	}
	q.ready++
}

// RequestDrainable returns the due payloads in order. A partially filled
// cell is promoted only when nothing else is drainable, so a blocked
// consumer still lets the producer fill whole cells. When the oldest cell
// is not due yet it returns no slices and the remaining delay.
func (q *BufferQueue) RequestDrainable(now time.Time) ([][]byte, time.Duration) {
	if q.ready == 0 {
		if c := q.at(0); c.filled > 0 {
			q.promote(c, now)
		}
	}
	q.drainVec = q.drainVec[:0]
	for i := 0; i < q.ready; i++ {
		c := q.at(i)
		if c.scheduled.After(now) {
			if i == 0 {
				return nil, c.scheduled.Sub(now)
			}
			break
		}
		q.drainVec = append(q.drainVec, c.data[c.drained:])
	}
	return q.drainVec, api.NoDelay
}

// ReleaseDrainable commits n bytes taken from the drainable payloads and
// recycles drained cells.
func (q *BufferQueue) ReleaseDrainable(n int) {
	for q.ready > 0 {
		c := q.at(0)
		k := min(n, len(c.data)-c.drained)
		c.drained += k
		n -= k
		if c.drained < len(c.data) {
			return
		}
		c.reset()
		q.first = (q.first + 1) % len(q.cells)
		q.ready--
	}
}

// HasDrainable reports whether any byte waits to be drained.
func (q *BufferQueue) HasDrainable() bool {
	if q.ready > 0 {
		return true
	}
	return q.at(0).filled > 0
}

// HasFillable reports whether there is room for more bytes.
func (q *BufferQueue) HasFillable() bool {
	return q.ready < len(q.cells)
}

// PendingBytes returns the number of bytes not yet drained.
func (q *BufferQueue) PendingBytes() int {
	total := 0
	for i := 0; i < q.ready; i++ {
		c := q.at(i)
		total += len(c.data) - c.drained
	}
	if q.ready < len(q.cells) {
		total += q.at(q.ready).filled
	}
	return total
}

// Capacity returns the total size of all cells.
func (q *BufferQueue) Capacity() int {
	return len(q.cells) * len(q.cells[0].storage)
}

// Reset discards all content.
func (q *BufferQueue) Reset() {
	for i := range q.cells {
		q.cells[i].reset()
	}
	q.first = 0
	q.ready = 0
}
