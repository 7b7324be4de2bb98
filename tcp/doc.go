// File: tcp/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package tcp implements the TCP relay. An acceptor listens on the bind
// address; every accepted client gets a fresh connection to the real
// endpoint and the two sockets form a Pair. Each side of a pair is a
// channel that reads into one buffer queue and writes from the other, so a
// slow reader throttles a fast writer through the fixed queue capacity.
//
// All socket work happens on the reactor goroutine. Public methods marshal
// through reactor.Execute and are safe for concurrent use.
package tcp
