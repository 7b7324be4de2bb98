// Package pool
// Author: momentics <momentics@gmail.com>
//
// Fixed-size buffer pools sitting between the read and write sides of a
// relay. BufferQueue carries a TCP byte stream through a circular array of
// cells; DatagramQueue carries whole datagrams with their addresses. Both
// allocate every cell up front and are owned by the loop goroutine.
package pool
