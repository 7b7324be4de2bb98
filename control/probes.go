// control/probes.go
// Author: momentics <momentics@gmail.com>
//
// Registry of named status probes, evaluated lazily on every dump.

package control

import (
	"fmt"
	"io"
	"slices"
	"sync"
)

// Probes holds registered probe functions.
type Probes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewProbes creates an empty registry.
func NewProbes() *Probes {
	return &Probes{
		probes: make(map[string]func() any),
	}
}

// Register inserts or replaces a named probe.
func (p *Probes) Register(name string, fn func() any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes[name] = fn
}

// Unregister removes a probe.
func (p *Probes) Unregister(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.probes, name)
}

// Names returns the registered probe names in order.
func (p *Probes) Names() []string {
	p.mu.RLock()
	names := make([]string, 0, len(p.probes))
	for name := range p.probes {
		names = append(names, name)
	}
	p.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Snapshot evaluates every probe.
func (p *Probes) Snapshot() map[string]any {
	p.mu.RLock()
	fns := make(map[string]func() any, len(p.probes))
	for k, fn := range p.probes {
		fns[k] = fn
	}
	p.mu.RUnlock()

	// probes may call back into the registry
	out := make(map[string]any, len(fns))
	for k, fn := range fns {
		out[k] = fn()
	}
	return out
}

// WriteTo writes "name: value" lines sorted by name.
func (p *Probes) WriteTo(w io.Writer) (int64, error) {
	snap := p.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	slices.Sort(names)

	var total int64
	for _, name := range names {
		n, err := fmt.Fprintf(w, "%s: %v\n", name, snap[name])
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
