package meter_test

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/momentics/crushproxy/meter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeterTotalAndPeriod(t *testing.T) {
	clk := clock.NewMock()
	m := meter.NewWithClock(clk)

	m.Update(1000)
	clk.Add(2 * time.Second)

	total := m.Total()
	assert.Equal(t, int64(1000), total.Count)
	assert.Equal(t, 2*time.Second, total.Elapsed)
	assert.InDelta(t, 500.0, total.RatePerSec(), 1e-9)

	period := m.Period(true)
	assert.Equal(t, int64(1000), period.Count)

	m.Increment()
	clk.Add(time.Second)

	period = m.Period(false)
	assert.Equal(t, int64(1), period.Count)
	assert.Equal(t, time.Second, period.Elapsed)
	assert.Equal(t, int64(1001), m.TotalCount())
}

func TestPeriodRateWithoutElapsedTime(t *testing.T) {
	p := meter.Period{Count: 10}
	require.True(t, math.IsNaN(p.RatePerSec()))
}
