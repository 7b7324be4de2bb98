package control

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbesSnapshotAndDump(t *testing.T) {
	p := NewProbes()
	calls := 0
	p.Register("b.count", func() any { calls++; return calls })
	p.Register("a.name", func() any { return "relay" })

	assert.Equal(t, []string{"a.name", "b.count"}, p.Names())
	assert.Equal(t, map[string]any{"a.name": "relay", "b.count": 1}, p.Snapshot())

	var buf bytes.Buffer
	n, err := p.WriteTo(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, buf.Len(), n)
	assert.Equal(t, "a.name: relay\nb.count: 2\n", buf.String())

	p.Unregister("b.count")
	assert.Equal(t, []string{"a.name"}, p.Names())
}

func TestProbeMayRegisterAnother(t *testing.T) {
	p := NewProbes()
	p.Register("outer", func() any {
		p.Register("inner", func() any { return 1 })
		return 0
	})
	assert.NotPanics(t, func() { p.Snapshot() })
	assert.Contains(t, p.Names(), "inner")
}

func TestRuntimeProbes(t *testing.T) {
	p := NewProbes()
	RegisterRuntimeProbes(p)
	snap := p.Snapshot()
	assert.Positive(t, snap["runtime.cpus"])
	assert.Positive(t, snap["runtime.goroutines"])
}
