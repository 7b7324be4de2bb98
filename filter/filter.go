// File: filter/filter.go
// Author: momentics <momentics@gmail.com>
//
// Filter combinators and a few stock filters. Combinators allocate one
// instance of every inner filter per peer.

package filter

import (
	"encoding/hex"
	"net/netip"

	"github.com/momentics/crushproxy/api"
)

// AllPass passes a datagram only if every filter passes it. Filters run in
// order and each one sees the payload produced by the previous one.
func AllPass(factories ...api.PassFilterFactory) (api.PassFilterFactory, error) {
	if len(factories) == 0 {
		return nil, api.InvalidOption("factories", 0, "empty filter list")
	}
	return func(client netip.AddrPort) api.PassFilter {
		filters := allocatePass(factories, client)
		return api.PassFilterFunc(func(client netip.AddrPort, b []byte) ([]byte, bool) {
			for _, f := range filters {
				var ok bool
				if b, ok = f.Check(client, b); !ok {
					return b, false
				}
			}
			return b, true
		})
	}, nil
}

// AnyPass passes a datagram if at least one filter passes it.
func AnyPass(factories ...api.PassFilterFactory) (api.PassFilterFactory, error) {
	if len(factories) == 0 {
		return nil, api.InvalidOption("factories", 0, "empty filter list")
	}
	return func(client netip.AddrPort) api.PassFilter {
		filters := allocatePass(factories, client)
		return api.PassFilterFunc(func(client netip.AddrPort, b []byte) ([]byte, bool) {
			for _, f := range filters {
				if out, ok := f.Check(client, b); ok {
					return out, true
				}
			}
			return b, false
		})
	}, nil
}

// ChainTransform applies transform filters one after another.
func ChainTransform(factories ...api.TransformFilterFactory) (api.TransformFilterFactory, error) {
	if len(factories) == 0 {
		return nil, api.InvalidOption("factories", 0, "empty filter list")
	}
	return func(client netip.AddrPort) api.TransformFilter {
		filters := make([]api.TransformFilter, 0, len(factories))
		for _, f := range factories {
			filters = append(filters, f(client))
		}
		return api.TransformFilterFunc(func(client netip.AddrPort, b []byte) []byte {
			for _, f := range filters {
				b = f.Transform(client, b)
			}
			return b
		})
	}, nil
}

func allocatePass(factories []api.PassFilterFactory, client netip.AddrPort) []api.PassFilter {
	filters := make([]api.PassFilter, 0, len(factories))
	for _, f := range factories {
		filters = append(filters, f(client))
	}
	return filters
}

// Noop leaves data untouched.
var Noop api.TransformFilter = api.TransformFilterFunc(func(_ netip.AddrPort, b []byte) []byte {
	return b
})

// Invert flips every bit in place.
var Invert api.TransformFilter = api.TransformFilterFunc(func(_ netip.AddrPort, b []byte) []byte {
	for i := range b {
		b[i] = ^b[i]
	}
	return b
})

// MinLength drops datagrams shorter than n bytes.
func MinLength(n int) api.PassFilterFactory {
	return func(netip.AddrPort) api.PassFilter {
		return api.PassFilterFunc(func(_ netip.AddrPort, b []byte) ([]byte, bool) {
			return b, len(b) >= n
		})
	}
}

// Stateless wraps a shared stateless transform filter into a factory.
func Stateless(f api.TransformFilter) api.TransformFilterFactory {
	return func(netip.AddrPort) api.TransformFilter {
		return f
	}
}

// Logging dumps relayed bytes at debug level under the given label.
func Logging(logger api.Logger, label string) api.TransformFilterFactory {
	logger = api.DefaultLogger(logger)
	return func(netip.AddrPort) api.TransformFilter {
		return api.TransformFilterFunc(func(client netip.AddrPort, b []byte) []byte {
			logger.Debugf("%s <%s> %d bytes: %s", label, client, len(b), hex.EncodeToString(b))
			return b
		})
	}
}
