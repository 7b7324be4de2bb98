// File: tcp/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/momentics/crushproxy/api"
)

// Defaults follow the usual fault-injection setups: small queues and a
// short connect timeout.
const (
	DefaultBufferCount    = 16
	DefaultBufferSize     = 16 * 1024
	DefaultBacklog        = 128
	DefaultConnectTimeout = 3 * time.Second
	DefaultLingerTimeout  = 5 * time.Second

	// NoLinger leaves SO_LINGER disabled.
	NoLinger = -1

	// maxBufferCount keeps one writev within IOV_MAX.
	maxBufferCount = 1024
)

// SocketOptions are applied to accepted and outbound sockets.
type SocketOptions struct {
	Backlog        int
	KeepAlive      bool
	NoDelay        bool
	Linger         int // SO_LINGER seconds, NoLinger to disable
	RcvBuf         int
	SndBuf         int
	ConnectTimeout time.Duration // zero waits for the kernel
}

// BufferOptions size the queue of one direction.
type BufferOptions struct {
	Count int
	Size  int
}

// Options configure a Crusher.
type Options struct {
	BindAddress    netip.AddrPort
	ConnectAddress netip.AddrPort
	// BindBeforeConnectAddress binds outbound sockets before connecting.
	BindBeforeConnectAddress netip.AddrPort

	Socket SocketOptions
	Buffer BufferOptions

	// LingerTimeout bounds the time a pair stays half-closed after EOF.
	LingerTimeout time.Duration

	// Outgoing is client to endpoint, incoming is endpoint to client.
	IncomingTransformFilterFactory api.TransformFilterFactory
	OutgoingTransformFilterFactory api.TransformFilterFactory
	IncomingThrottlerFactory       api.ThrottlerFactory
	OutgoingThrottlerFactory       api.ThrottlerFactory

	CreationListener api.CreationListener
	DeletionListener api.DeletionListener
	// DeferredListeners runs listeners on the executor goroutine.
	DeferredListeners bool

	Logger api.Logger
	Clock  clock.Clock
}

// DefaultOptions returns options for relaying bind to connect.
func DefaultOptions(bind, connect netip.AddrPort) Options {
	return Options{
		BindAddress:    bind,
		ConnectAddress: connect,
		Socket: SocketOptions{
			Backlog:        DefaultBacklog,
			KeepAlive:      true,
			NoDelay:        true,
			Linger:         NoLinger,
			ConnectTimeout: DefaultConnectTimeout,
		},
		Buffer: BufferOptions{
			Count: DefaultBufferCount,
			Size:  DefaultBufferSize,
		},
		LingerTimeout: DefaultLingerTimeout,
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

// WithBuffer sets the cell count and size of each direction.
func WithBuffer(count, size int) Option {
	return func(o *Options) {
		o.Buffer = BufferOptions{Count: count, Size: size}
	}
}

// WithConnectTimeout sets the outbound connection timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Socket.ConnectTimeout = d
	}
}

// WithLingerTimeout sets the half-close linger window.
func WithLingerTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.LingerTimeout = d
	}
}

// WithThrottlers sets per-pair throttlers for both directions.
func WithThrottlers(incoming, outgoing api.ThrottlerFactory) Option {
	return func(o *Options) {
		o.IncomingThrottlerFactory = incoming
		o.OutgoingThrottlerFactory = outgoing
	}
}

// WithTransformFilters sets per-pair filters for both directions.
func WithTransformFilters(incoming, outgoing api.TransformFilterFactory) Option {
	return func(o *Options) {
		o.IncomingTransformFilterFactory = incoming
		o.OutgoingTransformFilterFactory = outgoing
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

// WithClock sets the clock used for meters and throttling.
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
	if o.Buffer.Count <= 0 || o.Buffer.Count > maxBufferCount {
		return api.InvalidOption("Buffer.Count", o.Buffer.Count, "buffer count must be in [1, 1024]")
	}
	if o.Buffer.Size <= 0 {
		return api.InvalidOption("Buffer.Size", o.Buffer.Size, "buffer size must be positive")
	}
	if o.Socket.Backlog < 0 {
		return api.InvalidOption("Socket.Backlog", o.Socket.Backlog, "backlog must not be negative")
	}
	if o.Socket.Linger < NoLinger {
		return api.InvalidOption("Socket.Linger", o.Socket.Linger, "linger must be NoLinger or non-negative")
	}
	if o.Socket.RcvBuf < 0 || o.Socket.SndBuf < 0 {
		return api.InvalidOption("Socket.RcvBuf/SndBuf", [2]int{o.Socket.RcvBuf, o.Socket.SndBuf}, "socket buffers must not be negative")
	}
	if o.Socket.ConnectTimeout < 0 {
		return api.InvalidOption("Socket.ConnectTimeout", o.Socket.ConnectTimeout, "timeout must not be negative")
	}
	if o.LingerTimeout <= 0 {
		return api.InvalidOption("LingerTimeout", o.LingerTimeout, "linger timeout must be positive")
	}
	return nil
}
