// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the single-threaded epoll event loop that owns
// every socket of a proxy: readiness registrations, timers and a channel
// of operations posted from other goroutines. A second goroutine, the
// deferred executor, runs listener notifications and user-level jobs.
package reactor
