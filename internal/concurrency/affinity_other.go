//go:build !linux
// +build !linux

// File: internal/concurrency/affinity_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import "github.com/momentics/crushproxy/api"

// PinCurrentThread is not supported on this platform.
func PinCurrentThread([]int) error {
	return api.ErrNotSupported
}

// CurrentAffinity is not supported on this platform.
func CurrentAffinity() ([]int, error) {
	return nil, api.ErrNotSupported
}
