//go:build !linux
// +build !linux

// File: cmd/crushproxy/main_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"fmt"
	"os"
	"runtime"
)

func main() {
	fmt.Fprintf(os.Stderr, "crushproxy: %s is not supported, the relay needs epoll\n", runtime.GOOS)
	os.Exit(1)
}
