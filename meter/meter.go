// File: meter/meter.go
// Author: momentics <momentics@gmail.com>
//
// Rate meters: total and resettable period counters for bytes, datagrams
// or any other event, readable from any goroutine.

package meter

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Meter counts events since creation and since the last period reset.
type Meter struct {
	clock       clock.Clock
	created     time.Time
	total       atomic.Int64
	period      atomic.Int64
	periodStart atomic.Int64 // nanoseconds since created
}

// New creates a meter using the system clock.
func New() *Meter {
	return NewWithClock(clock.New())
}

// NewWithClock creates a meter bound to clk.
func NewWithClock(clk clock.Clock) *Meter {
	if clk == nil {
		clk = clock.New()
	}
	return &Meter{clock: clk, created: clk.Now()}
}

// Update adds delta events.
func (m *Meter) Update(delta int64) {
	m.total.Add(delta)
	m.period.Add(delta)
}

// Increment adds one event.
func (m *Meter) Increment() {
	m.Update(1)
}

// TotalCount returns the number of events since creation.
func (m *Meter) TotalCount() int64 {
	return m.total.Load()
}

// TotalElapsed returns time elapsed since creation.
func (m *Meter) TotalElapsed() time.Duration {
	return max(0, m.clock.Since(m.created))
}

// Total returns count and elapsed time since creation.
func (m *Meter) Total() Period {
	return Period{Count: m.TotalCount(), Elapsed: m.TotalElapsed()}
}

// Period returns statistics since the last reset. When reset is true the
// period counter and marker start over.
func (m *Meter) Period(reset bool) Period {
	now := m.clock.Since(m.created)
	start := time.Duration(m.periodStart.Load())
	elapsed := max(0, now-start)
	if reset {
		m.periodStart.Store(int64(now))
		return Period{Count: m.period.Swap(0), Elapsed: elapsed}
	}
	return Period{Count: m.period.Load(), Elapsed: elapsed}
}

// Period is a count of events over an amount of time.
type Period struct {
	Count   int64
	Elapsed time.Duration
}

// RatePer returns the rate of events per unit of time, or NaN when no
// time has elapsed.
func (p Period) RatePer(unit time.Duration) float64 {
	if p.Elapsed <= 0 {
		return math.NaN()
	}
	return float64(p.Count) * float64(unit) / float64(p.Elapsed)
}

// RatePerSec returns events per second.
func (p Period) RatePerSec() float64 {
	return p.RatePer(time.Second)
}

func (p Period) String() string {
	return fmt.Sprintf("count=%d, elapsed=%s, rate=%.3f evt/sec", p.Count, p.Elapsed, p.RatePerSec())
}

// Meters groups the read and sent meters of one socket or session.
type Meters struct {
	Read *Meter
	Sent *Meter
}

// NewMeters creates a pair of meters on the same clock.
func NewMeters(clk clock.Clock) *Meters {
	return &Meters{Read: NewWithClock(clk), Sent: NewWithClock(clk)}
}

func (m *Meters) String() string {
	return fmt.Sprintf("read: %s; sent: %s", m.Read.Total(), m.Sent.Total())
}
