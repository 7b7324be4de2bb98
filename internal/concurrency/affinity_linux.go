//go:build linux
// +build linux

// File: internal/concurrency/affinity_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// CPU affinity of OS threads through sched_setaffinity.

package concurrency

import (
	"fmt"

	"github.com/momentics/crushproxy/api"
	"golang.org/x/sys/unix"
)

// maxCPU is the size of a unix.CPUSet in CPUs.
const maxCPU = 1024

// PinCurrentThread restricts the calling OS thread to cpus. The caller
// must hold runtime.LockOSThread, otherwise the Go scheduler may move the
// goroutine to another thread.
func PinCurrentThread(cpus []int) error {
	if len(cpus) == 0 {
		return api.InvalidOption("cpus", cpus, "empty cpu list")
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		if cpu < 0 || cpu >= maxCPU {
			return api.InvalidOption("cpus", cpu, "cpu index out of range")
		}
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity %v: %w", cpus, err)
	}
	return nil
}

// CurrentAffinity returns the CPUs the calling OS thread may run on.
func CurrentAffinity() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("sched_getaffinity: %w", err)
	}
	cpus := make([]int, 0, set.Count())
	for cpu := 0; cpu < maxCPU; cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}
