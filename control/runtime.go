// control/runtime.go
// Author: momentics <momentics@gmail.com>
//
// Process-level probes.

package control

import (
	"runtime"
)

// RegisterRuntimeProbes adds CPU, goroutine and heap probes.
func RegisterRuntimeProbes(p *Probes) {
	p.Register("runtime.cpus", func() any {
		return runtime.NumCPU()
	})
	p.Register("runtime.goroutines", func() any {
		return runtime.NumGoroutine()
	})
	p.Register("runtime.heap_bytes", func() any {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return ms.HeapAlloc
	})
}
