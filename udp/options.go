// File: udp/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package udp

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/momentics/crushproxy/api"
)

const (
	DefaultBufferCount = 16
	// DefaultBufferSize fits the largest IPv4 UDP payload.
	DefaultBufferSize = 65535

	// maxDatagram is the receive buffer size of every socket.
	maxDatagram = 65536
)

// SocketOptions are applied to the bound socket and to every outbound one.
type SocketOptions struct {
	RcvBuf    int
	SndBuf    int
	Broadcast bool
}

// BufferOptions size each datagram queue.
type BufferOptions struct {
	Count int
	Size  int
}

// Options configure a Crusher.
type Options struct {
	BindAddress    netip.AddrPort
	ConnectAddress netip.AddrPort

	Socket SocketOptions
	Buffer BufferOptions

	// MaxIdleDuration evicts idle sessions whenever a new peer shows up.
	// Zero leaves eviction to CloseIdleOlderThan.
	MaxIdleDuration time.Duration

	// Outgoing is client to endpoint, incoming is endpoint to client.
	IncomingPassFilterFactory      api.PassFilterFactory
	OutgoingPassFilterFactory      api.PassFilterFactory
	IncomingTransformFilterFactory api.TransformFilterFactory
	OutgoingTransformFilterFactory api.TransformFilterFactory

	// IncomingThrottlerFactory is invoked once per Open with the bound
	// address. The throttler it returns shapes datagrams of all peers.
	IncomingThrottlerFactory api.ThrottlerFactory
	// OutgoingThrottlerFactory is invoked once per peer.
	OutgoingThrottlerFactory api.ThrottlerFactory

	CreationListener  api.CreationListener
	DeletionListener  api.DeletionListener
	DeferredListeners bool

	Logger api.Logger
	Clock  clock.Clock
}

// DefaultOptions returns options for relaying bind to connect.
func DefaultOptions(bind, connect netip.AddrPort) Options {
	return Options{
		BindAddress:    bind,
		ConnectAddress: connect,
		Buffer: BufferOptions{
			Count: DefaultBufferCount,
			Size:  DefaultBufferSize,
		},
	}
}

// Option customizes Options.
type Option func(*Options)

// NewOptions builds options from the defaults and opts.
func NewOptions(bind, connect netip.AddrPort, opts ...Option) Options {
	o := DefaultOptions(bind, connect)
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithBuffer sets the cell count and size of each datagram queue.
func WithBuffer(count, size int) Option {
	return func(o *Options) {
		o.Buffer = BufferOptions{Count: count, Size: size}
	}
}

// WithMaxIdleDuration enables eviction of idle sessions on new peers.
func WithMaxIdleDuration(d time.Duration) Option {
	return func(o *Options) {
		o.MaxIdleDuration = d
	}
}

// WithPassFilters sets per-peer pass filters for both directions.
func WithPassFilters(incoming, outgoing api.PassFilterFactory) Option {
	return func(o *Options) {
		o.IncomingPassFilterFactory = incoming
		o.OutgoingPassFilterFactory = outgoing
	}
}

// WithTransformFilters sets per-peer transform filters for both directions.
func WithTransformFilters(incoming, outgoing api.TransformFilterFactory) Option {
	return func(o *Options) {
		o.IncomingTransformFilterFactory = incoming
		o.OutgoingTransformFilterFactory = outgoing
	}
}

// WithThrottlers sets the shared incoming and the per-peer outgoing
// throttlers.
func WithThrottlers(incoming, outgoing api.ThrottlerFactory) Option {
	return func(o *Options) {
		o.IncomingThrottlerFactory = incoming
		o.OutgoingThrottlerFactory = outgoing
	}
}

// WithListeners sets the creation and deletion listeners.
func WithListeners(created api.CreationListener, deleted api.DeletionListener, deferred bool) Option {
	return func(o *Options) {
		o.CreationListener = created
		o.DeletionListener = deleted
		o.DeferredListeners = deferred
	}
}

// WithLogger sets the logger.
func WithLogger(l api.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithClock sets the clock used for meters, throttling and idle tracking.
func WithClock(clk clock.Clock) Option {
	return func(o *Options) {
		o.Clock = clk
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if !o.BindAddress.IsValid() {
		return api.InvalidOption("BindAddress", o.BindAddress, "bind address is required")
	}
	if !o.ConnectAddress.IsValid() || o.ConnectAddress.Port() == 0 {
		return api.InvalidOption("ConnectAddress", o.ConnectAddress, "connect address with a port is required")
	}
	if o.Buffer.Count <= 0 {
		return api.InvalidOption("Buffer.Count", o.Buffer.Count, "buffer count must be positive")
	}
	if o.Buffer.Size <= 0 || o.Buffer.Size > maxDatagram {
		return api.InvalidOption("Buffer.Size", o.Buffer.Size, "buffer size must be in [1, 65536]")
	}
	if o.Socket.RcvBuf < 0 || o.Socket.SndBuf < 0 {
		return api.InvalidOption("Socket.RcvBuf/SndBuf", [2]int{o.Socket.RcvBuf, o.Socket.SndBuf}, "socket buffers must not be negative")
	}
	if o.MaxIdleDuration < 0 {
		return api.InvalidOption("MaxIdleDuration", o.MaxIdleDuration, "idle duration must not be negative")
	}
	return nil
}
