// File: udp/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package udp implements the datagram relay. One bound socket (the inner
// side) receives datagrams from every client and hands each one to the
// Outer session of its source address. An Outer owns a socket connected
// to the real endpoint, a bounded datagram queue, and its own filters and
// throttler. Replies travel back through the inner queue, shaped by one
// throttler shared by all clients.
//
// Sessions are created on the first datagram of a client and live until
// they are closed explicitly or evicted by CloseIdleOlderThan. A full
// queue drops datagrams with a warning.
package udp
