// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral part of the reactor: configuration, interest flags,
// timers and the typed Call helper.

package reactor

import (
	"container/heap"
	"sync/atomic"
	"time"

	"github.com/momentics/crushproxy/api"
)

// Interest is a set of readiness conditions.
type Interest uint8

const (
	// Read reports that the descriptor is readable.
	Read Interest = 1 << iota
	// Write reports that the descriptor is writable.
	Write
	// Error reports an error or hangup condition. It is always delivered
	// together with the current interest so the owner observes the failure
	// through its own I/O call.
	Error
)

func (i Interest) String() string {
	s := ""
	if i&Read != 0 {
		s += "r"
	}
	if i&Write != 0 {
		s += "w"
	}
	if i&Error != 0 {
		s += "e"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Callback handles readiness of a registered descriptor.
type Callback func(ready Interest)

// Default configuration values.
const (
	DefaultTick      = 10 * time.Millisecond
	DefaultQueueSize = 1024
	maxEvents        = 256
)

// Config holds reactor parameters.
type Config struct {
	// Tick bounds how long the loop blocks in epoll_wait.
	Tick time.Duration
	// QueueSize is the capacity of the cross-goroutine operation channel.
	QueueSize int
	// Logger receives loop diagnostics; apex/log by default.
	Logger api.Logger
	// Affinity pins the loop thread to these CPUs. Empty leaves it to the
	// scheduler.
	Affinity []int
}

// DefaultConfig returns the default reactor configuration.
func DefaultConfig() Config {
	return Config{
		Tick:      DefaultTick,
		QueueSize: DefaultQueueSize,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Tick <= 0 {
		return api.InvalidOption("Tick", c.Tick, "tick must be positive")
	}
	if c.QueueSize <= 0 {
		return api.InvalidOption("QueueSize", c.QueueSize, "queue size must be positive")
	}
	for _, cpu := range c.Affinity {
		if cpu < 0 {
			return api.InvalidOption("Affinity", c.Affinity, "cpu index must not be negative")
		}
	}
	return nil
}

// Call runs fn on the loop goroutine and returns its result.
func Call[T any](r *Reactor, fn func() (T, error)) (T, error) {
	var out T
	err := r.Execute(func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// Timer is a one-shot job on the loop goroutine.
type Timer struct {
	deadline  time.Time
	seq       uint64
	fn        func()
	index     int
	cancelled atomic.Bool
}

// Cancel prevents the timer from firing if it has not fired yet.
func (t *Timer) Cancel() {
	if t != nil {
		t.cancelled.Store(true)
	}
}

// Cancelled reports whether Cancel was called.
func (t *Timer) Cancelled() bool {
	return t.cancelled.Load()
}

// timerHeap orders timers by deadline, then by scheduling order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timers is the loop-owned timer queue.
type timers struct {
	heap timerHeap
	seq  uint64
}

func (ts *timers) add(t *Timer) {
	ts.seq++
	t.seq = ts.seq
	heap.Push(&ts.heap, t)
}

// next returns the wait until the earliest live timer, or limit when none.
func (ts *timers) next(now time.Time, limit time.Duration) time.Duration {
	for ts.heap.Len() > 0 && ts.heap[0].Cancelled() {
		heap.Pop(&ts.heap)
	}
	if ts.heap.Len() == 0 {
		return limit
	}
	d := ts.heap[0].deadline.Sub(now)
	if d < 0 {
		return 0
	}
	if d > limit {
		return limit
	}
	return d
}

// due pops timers whose deadline is not after now.
func (ts *timers) due(now time.Time, run func(*Timer)) {
	for ts.heap.Len() > 0 && !ts.heap[0].deadline.After(now) {
		t := heap.Pop(&ts.heap).(*Timer)
		if !t.Cancelled() {
			run(t)
		}
	}
}

func (ts *timers) len() int {
	return ts.heap.Len()
}
