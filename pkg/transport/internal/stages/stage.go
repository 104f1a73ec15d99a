// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package stages negotiates RIPC and WebSocket channels as a sequence of non-blocking Stages.
package stages

import (
	"errors"
	"fmt"
	"io"

	"github.com/dtn7/ripc-go/pkg/transport/internal/compress"
	"github.com/dtn7/ripc-go/pkg/transport/internal/msgs"
	"github.com/dtn7/ripc-go/pkg/transport/internal/wsframe"
)

var (
	// ErrWouldBlock is returned by a Conn which cannot progress without waiting.
	ErrWouldBlock = errors.New("operation would block")

	// ErrNegotiation matches every NegotiationError.
	ErrNegotiation = errors.New("negotiation failure")
)

// NegotiationError is the terminal failure of a handshake, e.g., a ConnectNak or a rejected upgrade.
type NegotiationError struct {
	Reason string
}

func negotiationErrorf(format string, a ...interface{}) error {
	return &NegotiationError{Reason: fmt.Sprintf(format, a...)}
}

func (ne *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failure: %s", ne.Reason)
}

// Is ErrNegotiation.
func (ne *NegotiationError) Is(target error) bool {
	return target == ErrNegotiation
}

// Conn is the non-blocking byte stream a handshake runs on. Read and Write return ErrWouldBlock instead of waiting.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Handshaker is implemented by Conns performing a handshake of their own, e.g., TLS.
type Handshaker interface {
	HandshakeDone() (bool, error)
}

// Protocol of a channel.
type Protocol uint8

const (
	ProtocolRIPC Protocol = iota
	ProtocolWebSocket
)

func (p Protocol) String() string {
	switch p {
	case ProtocolRIPC:
		return "ripc"
	case ProtocolWebSocket:
		return "websocket"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// Phase is the observable position of a handshake.
type Phase uint8

const (
	PhaseInitializing Phase = iota
	PhaseProxyConnecting
	PhaseWaitProxyAck
	PhaseWaitTLS
	PhaseSentConnectReq
	PhaseWaitConnectAck
	PhaseWaitConnectReq
	PhaseSendConnectAck
	PhaseSendUpgradeRequest
	PhaseWaitUpgradeResponse
	PhaseWaitUpgradeRequest
	PhaseSendUpgradeResponse
	PhaseActive
	PhaseInactive
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseProxyConnecting:
		return "proxy connecting"
	case PhaseWaitProxyAck:
		return "wait proxy ack"
	case PhaseWaitTLS:
		return "wait tls"
	case PhaseSentConnectReq:
		return "sent connect req"
	case PhaseWaitConnectAck:
		return "wait connect ack"
	case PhaseWaitConnectReq:
		return "wait connect req"
	case PhaseSendConnectAck:
		return "send connect ack"
	case PhaseSendUpgradeRequest:
		return "send upgrade request"
	case PhaseWaitUpgradeResponse:
		return "wait upgrade response"
	case PhaseWaitUpgradeRequest:
		return "wait upgrade request"
	case PhaseSendUpgradeResponse:
		return "send upgrade response"
	case PhaseActive:
		return "active"
	case PhaseInactive:
		return "inactive"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Configuration of a handshake, as requested by a client or offered by a server.
type Configuration struct {
	// Client is set for the connecting side.
	Client bool

	// Protocol a client speaks.
	Protocol Protocol
	// Accept lists the Protocols a server accepts; empty accepts all.
	Accept []Protocol

	// Version is the RIPC connection version a client requests.
	Version msgs.ConnVersion

	ProtocolType uint8
	MajorVersion uint8
	MinorVersion uint8

	// PingTimeout is requested by a client; for a server it is the upper bound.
	PingTimeout uint8
	// MinPingTimeout is a server's lower bound.
	MinPingTimeout uint8
	SessionFlags   msgs.SessionFlags

	// Compression a client offers or a server prefers.
	Compression      compress.Type
	CompressionLevel uint8
	// ForceCompression makes a server reject clients not offering its Compression.
	ForceCompression bool

	MaxUserMsgSize uint16

	HostName         string
	IPAddress        string
	ComponentVersion string

	// Address of the peer as "host:port", used for the Host header and a proxy's CONNECT.
	Address string
	// Path of the WebSocket upgrade request.
	Path string
	// Subprotocols a client offers or a server accepts, in order of preference.
	Subprotocols []string

	// Proxy is set if a client connects through an HTTP proxy.
	Proxy bool
	// Upgrade the underlying socket to TLS. The new socket is passed to subsequent Advance calls.
	Upgrade func() error
}

// accepts reports whether a server accepts this Protocol.
func (c Configuration) accepts(p Protocol) bool {
	if len(c.Accept) == 0 {
		return true
	}
	for _, a := range c.Accept {
		if a == p {
			return true
		}
	}
	return false
}

// State of a handshake: the Configuration and, after each Stage, the negotiated values.
type State struct {
	Configuration Configuration

	Phase Phase

	Protocol Protocol
	Version  msgs.ConnVersion

	Subprotocol     wsframe.Subprotocol
	SubprotocolName string
	Deflate         bool

	Compression      compress.Type
	CompressionLevel uint8

	PingTimeout    uint8
	SessionFlags   msgs.SessionFlags
	MajorVersion   uint8
	MinorVersion   uint8
	MaxUserMsgSize uint16

	PeerHostName         string
	PeerIPAddress        string
	PeerComponentVersion string

	// StageError is the terminal error of a failed handshake.
	StageError error

	in  []byte
	out []byte
}

// Leftover returns bytes read beyond the handshake, which belong to the channel's first messages.
func (s *State) Leftover() []byte {
	return s.in
}

// Pending reports whether unsent handshake bytes remain.
func (s *State) Pending() bool {
	return len(s.out) > 0
}

func (s *State) queue(b []byte) {
	s.out = append(s.out, b...)
}

// flush queued bytes; false if some remain.
func (s *State) flush(conn Conn) (bool, error) {
	for len(s.out) > 0 {
		n, err := conn.Write(s.out)
		s.out = s.out[n:]

		if errors.Is(err, ErrWouldBlock) || (err == nil && n == 0) {
			return false, nil
		} else if err != nil {
			return false, err
		}
	}
	s.out = nil
	return true, nil
}

// fill reads one chunk into the input; zero bytes without an error means the Conn would block.
func (s *State) fill(conn Conn) (int, error) {
	var buf [4096]byte

	n, err := conn.Read(buf[:])
	s.in = append(s.in, buf[:n]...)

	switch {
	case err == nil, errors.Is(err, ErrWouldBlock):
		return n, nil
	case errors.Is(err, io.EOF):
		return n, fmt.Errorf("connection closed during the handshake: %w", io.ErrUnexpectedEOF)
	default:
		return n, err
	}
}

// need reads until at least n bytes are buffered; false if the Conn would block first.
func (s *State) need(conn Conn, n int) (bool, error) {
	for len(s.in) < n {
		if m, err := s.fill(conn); err != nil || m == 0 {
			return false, err
		}
	}
	return true, nil
}

func (s *State) consume(n int) {
	s.in = s.in[n:]
	if len(s.in) == 0 {
		s.in = nil
	}
}

// Stage is one non-blocking step of a handshake. Advance is called on each readiness of the Conn until it is done.
type Stage interface {
	Advance(state *State, conn Conn) (done bool, err error)
}
