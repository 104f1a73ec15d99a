// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"crypto/tls"
	"net"
	"time"
)

// TLSSocket is a ConnSocket on a *tls.Conn whose handshake runs in the background. HandshakeDone reports its
// completion; no data must be read or written before. Writes block, reads do not.
type TLSSocket struct {
	*ConnSocket

	tlsConn *tls.Conn
	done    chan struct{}
	err     error
}

func newTLSSocket(conn *tls.Conn) *TLSSocket {
	ts := &TLSSocket{
		ConnSocket: &ConnSocket{conn: conn, blockingWrites: true},
		tlsConn:    conn,
		done:       make(chan struct{}),
	}

	go func() {
		ts.err = conn.Handshake()
		close(ts.done)
	}()

	return ts
}

// NewTLSClientSocket starts a client TLS handshake on a connected net.Conn.
func NewTLSClientSocket(conn net.Conn, config *tls.Config) *TLSSocket {
	// Deadlines of a previous plain socket must not affect the handshake.
	_ = conn.SetDeadline(time.Time{})
	return newTLSSocket(tls.Client(conn, config))
}

// NewTLSServerSocket starts a server TLS handshake on an accepted net.Conn.
func NewTLSServerSocket(conn net.Conn, config *tls.Config) *TLSSocket {
	_ = conn.SetDeadline(time.Time{})
	return newTLSSocket(tls.Server(conn, config))
}

// HandshakeDone reports whether the TLS handshake finished, and its error.
func (ts *TLSSocket) HandshakeDone() (bool, error) {
	select {
	case <-ts.done:
		return true, ts.err
	default:
		return false, nil
	}
}

// ConnectionState of the finished TLS handshake.
func (ts *TLSSocket) ConnectionState() tls.ConnectionState {
	return ts.tlsConn.ConnectionState()
}
