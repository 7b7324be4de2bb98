// File: api/crusher.go
// Author: momentics <momentics@gmail.com>
//
// Control surface shared by the TCP and UDP relays.

package api

import (
	"net/netip"

	"github.com/momentics/crushproxy/meter"
)

// Freezer pauses and resumes data flow while keeping sockets open.
type Freezer interface {
	// Freeze stops all I/O. Sockets stay open and nothing is read or sent.
	Freeze() error

	// Unfreeze resumes I/O, delivering data queued before the freeze.
	Unfreeze() error

	// IsFrozen reports true for frozen and closed components.
	IsFrozen() bool
}

// Crusher is a fault-injecting relay between clients and a real endpoint.
type Crusher interface {
	Freezer

	// Open binds the listening socket and starts relaying.
	Open() error

	// Close releases every socket owned by the relay. It is idempotent.
	Close() error

	// Reopen closes all sessions and the listening socket, then opens again.
	Reopen() error

	// IsOpen reports whether the relay is open.
	IsOpen() bool

	// BindAddress returns the address the relay listens on.
	BindAddress() netip.AddrPort

	// ConnectAddress returns the address of the real endpoint.
	ConnectAddress() netip.AddrPort

	// ClientAddresses lists the peers with an active session.
	ClientAddresses() []netip.AddrPort

	// ClientMeters returns read/sent statistics for a peer.
	ClientMeters(client netip.AddrPort) (*meter.Meters, bool)

	// ClientTotalCount returns how many sessions were created since Open.
	ClientTotalCount() int

	// CloseClient closes the session of one peer.
	CloseClient(client netip.AddrPort) (bool, error)
}

// CreationListener is notified when a pair or datagram session is created.
type CreationListener func(client netip.AddrPort)

// DeletionListener is notified once when a session is torn down, with its
// final byte statistics.
type DeletionListener func(client netip.AddrPort, meters *meter.Meters)
