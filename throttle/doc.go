// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package throttle provides throttlers that turn a chunk of relayed data into
// the delay required before it may be sent: windowed byte and packet rate
// limiters, a token bucket, a constant latency injector and combinators.
//
// Throttlers keep per-connection state and are not safe for concurrent use;
// relays allocate one per peer through an api.ThrottlerFactory.
package throttle
