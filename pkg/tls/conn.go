// Package tls carries the narrow connection interface the transport layer
// uses to report post-handshake TLS details for verbose diagnostics,
// adapted from req's DialTLS connection contract.
package tls

import (
	"context"
	"crypto/tls"
	"net"
)

// Conn is satisfied by *tls.Conn and any other connection that exposes its
// negotiated TLS state and handshake controls.
type Conn interface {
	net.Conn
	// ConnectionState returns basic TLS details about the connection.
	ConnectionState() tls.ConnectionState
	// Handshake runs the client or server handshake
	// protocol if it has not yet been run.
	//
	// Most uses of this package need not call Handshake explicitly: the
	// first Read or Write will call it automatically.
	//
	// For control over canceling or setting a timeout on a handshake, use
	// HandshakeContext or the Dialer's DialContext method instead.
	Handshake() error

	// HandshakeContext runs the client or server handshake
	// protocol if it has not yet been run.
	//
	// The provided Context must be non-nil. If the context is canceled before
	// the handshake is complete, the handshake is interrupted and an error is returned.
	// Once the handshake has completed, cancellation of the context will not affect the
	// connection.
	//
	// Most uses of this package need not call HandshakeContext explicitly: the
	// first Read or Write will call it automatically.
	HandshakeContext(ctx context.Context) error
}

// State type-asserts c against Conn and returns its negotiated TLS state.
// ok is false for a cleartext connection (--no-tls).
func State(c net.Conn) (state tls.ConnectionState, ok bool) {
	tc, ok := c.(Conn)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return tc.ConnectionState(), true
}
