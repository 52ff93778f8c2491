package domain

import (
	"net"
	"time"
)

// Envelope is the metadata attached to an accepted inbound connection. It
// is created once by the Acceptor and consumed exactly once by the Router.
type Envelope struct {
	ConnID string // correlation id, stamped by the Acceptor (uuid)

	Source net.Addr
	Conn   net.Conn

	// ClientIdentity is the verified peer certificate subject, if the
	// server performed mTLS and a client certificate was presented.
	ClientIdentity string

	// DstName is the logical destination name to resolve, e.g. "/svc/echo".
	// Set from server config or, when SNI-based routing is configured,
	// from the negotiated TLS SNI.
	DstName string

	// NegotiatedSNI/NegotiatedALPN are set after a successful TLS
	// handshake on the inbound side, empty for plaintext connections.
	NegotiatedSNI  string
	NegotiatedALPN string

	ConnectDeadline time.Time
	StreamDeadline  time.Time
	IdleTimeout     time.Duration

	AcceptedAt time.Time
	RouterName string

	// Done, if set, is called exactly once when the Router has finished
	// handling this Envelope (rejected or its Duplex has closed), letting
	// the owning Acceptor release the in-flight slot it reserved at
	// accept time.
	Done func()
}
