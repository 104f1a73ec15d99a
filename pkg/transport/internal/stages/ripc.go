// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stages

import (
	"bytes"
	"encoding/binary"

	"github.com/dtn7/ripc-go/pkg/transport/internal/compress"
	"github.com/dtn7/ripc-go/pkg/transport/internal/msgs"
)

// connectReqPrefixLen covers length, opcode and connection version of a ConnectRequest.
const connectReqPrefixLen = 7

// readMessage parses the next complete RIPC handshake message; nil if more bytes are needed.
func (s *State) readMessage(conn Conn) (msgs.Message, error) {
	for {
		if l, ok := msgs.MessageLen(s.in); ok {
			if l < msgs.HeaderLen {
				return nil, negotiationErrorf("RIPC handshake message of %d bytes", l)
			}

			if len(s.in) >= l {
				msg, err := msgs.ReadMessage(bytes.NewReader(s.in[:l]))
				s.consume(l)
				if err != nil {
					return nil, negotiationErrorf("malformed RIPC handshake message: %v", err)
				}
				return msg, nil
			}
		}

		if n, err := s.fill(conn); err != nil || n == 0 {
			return nil, err
		}
	}
}

func (s *State) queueMessage(msg msgs.Message) error {
	var buf bytes.Buffer
	if err := msg.Marshal(&buf); err != nil {
		return err
	}
	s.queue(buf.Bytes())
	return nil
}

// ConnectStage is a RIPC client's handshake: send a ConnectRequest, await the ConnectAck or ConnectNak.
type ConnectStage struct {
	sent bool
}

func (cs *ConnectStage) Advance(state *State, conn Conn) (bool, error) {
	conf := state.Configuration

	if !cs.sent {
		req := msgs.NewConnectRequest(conf.Version)
		req.Compression = msgs.NewCompressionBitmap(conf.Compression)
		req.PingTimeout = conf.PingTimeout
		req.SessionFlags = conf.SessionFlags
		req.ProtocolType = conf.ProtocolType
		req.MajorVersion = conf.MajorVersion
		req.MinorVersion = conf.MinorVersion
		req.HostName = conf.HostName
		req.IPAddress = conf.IPAddress
		req.ComponentVersion = conf.ComponentVersion

		if err := state.queueMessage(&req); err != nil {
			return false, err
		}

		state.Protocol = ProtocolRIPC
		state.Phase = PhaseSentConnectReq
		cs.sent = true
	}

	if done, err := state.flush(conn); !done {
		return false, err
	}
	state.Phase = PhaseWaitConnectAck

	msg, err := state.readMessage(conn)
	if msg == nil {
		return false, err
	}

	switch m := msg.(type) {
	case *msgs.ConnectAck:
		if m.Version != conf.Version {
			return false, negotiationErrorf("acknowledged version %v differs from the requested %v", m.Version, conf.Version)
		} else if m.CompressionType != compress.None && m.CompressionType != conf.Compression {
			return false, negotiationErrorf("acknowledged compression %v was not offered", m.CompressionType)
		} else if m.MaxUserMsgSize <= msgs.HeaderLen+msgs.PackedHeaderLen {
			return false, negotiationErrorf("acknowledged max message size %d is too small", m.MaxUserMsgSize)
		}

		state.Version = m.Version
		state.Compression = m.CompressionType
		state.CompressionLevel = m.CompressionLevel
		state.PingTimeout = m.PingTimeout
		state.SessionFlags = m.SessionFlags
		state.MajorVersion = m.MajorVersion
		state.MinorVersion = m.MinorVersion
		state.MaxUserMsgSize = m.MaxUserMsgSize
		state.PeerComponentVersion = m.ComponentVersion
		return true, nil

	case *msgs.ConnectNak:
		return false, negotiationErrorf("rejected by the server: %s", m.Text)

	default:
		return false, negotiationErrorf("unexpected handshake message %v", msg)
	}
}

// AcceptStage is a RIPC server's handshake: await a ConnectRequest, answer with a ConnectAck or ConnectNak.
type AcceptStage struct {
	replied bool
	failure error
}

func (as *AcceptStage) Advance(state *State, conn Conn) (bool, error) {
	if !as.replied {
		state.Phase = PhaseWaitConnectReq
		state.Protocol = ProtocolRIPC

		if ok, err := state.need(conn, connectReqPrefixLen); !ok {
			return false, err
		}

		if l, _ := msgs.MessageLen(state.in); l < connectReqPrefixLen {
			return false, negotiationErrorf("RIPC handshake message of %d bytes", l)
		}

		if version := msgs.ConnVersion(binary.BigEndian.Uint32(state.in[3:])); !version.Known() {
			as.reject(state, msgs.Version14, "unsupported connection version %d", uint32(version))
		} else if msg, err := state.readMessage(conn); msg == nil {
			return false, err
		} else if req, ok := msg.(*msgs.ConnectRequest); !ok {
			as.reject(state, version, "expected a CONNECT_REQ instead of %v", msg)
		} else {
			as.negotiate(state, req)
		}

		as.replied = true
		state.Phase = PhaseSendConnectAck
	}

	if done, err := state.flush(conn); !done {
		return false, err
	}
	return as.failure == nil, as.failure
}

func (as *AcceptStage) reject(state *State, version msgs.ConnVersion, format string, a ...interface{}) {
	as.failure = negotiationErrorf(format, a...)

	nak := msgs.NewConnectNak(version, as.failure.(*NegotiationError).Reason)
	if err := state.queueMessage(&nak); err != nil {
		as.failure = err
	}
}

// negotiate the session parameters of a ConnectRequest against the server's Configuration.
func (as *AcceptStage) negotiate(state *State, req *msgs.ConnectRequest) {
	conf := state.Configuration

	if req.ProtocolType != conf.ProtocolType {
		as.reject(state, req.Version, "protocol type %d is not supported", req.ProtocolType)
		return
	}

	comp := compress.None
	if conf.Compression != compress.None && req.Compression.Offers(conf.Compression) {
		comp = conf.Compression
	} else if conf.ForceCompression && conf.Compression != compress.None {
		as.reject(state, req.Version, "compression %v is required", conf.Compression)
		return
	}

	ping := req.PingTimeout
	if ping > conf.PingTimeout {
		ping = conf.PingTimeout
	}
	if ping < conf.MinPingTimeout {
		ping = conf.MinPingTimeout
	}

	major, minor := conf.MajorVersion, conf.MinorVersion
	if req.MajorVersion < major || (req.MajorVersion == major && req.MinorVersion < minor) {
		major, minor = req.MajorVersion, req.MinorVersion
	}

	ack := msgs.ConnectAck{
		Version:          req.Version,
		MaxUserMsgSize:   conf.MaxUserMsgSize,
		PingTimeout:      ping,
		SessionFlags:     req.SessionFlags & conf.SessionFlags,
		MajorVersion:     major,
		MinorVersion:     minor,
		CompressionType:  comp,
		CompressionLevel: conf.CompressionLevel,
		ComponentVersion: conf.ComponentVersion,
	}
	if err := state.queueMessage(&ack); err != nil {
		as.failure = err
		return
	}

	state.Version = ack.Version
	state.Compression = comp
	state.CompressionLevel = ack.CompressionLevel
	state.PingTimeout = ping
	state.SessionFlags = ack.SessionFlags
	state.MajorVersion = major
	state.MinorVersion = minor
	state.MaxUserMsgSize = ack.MaxUserMsgSize
	state.PeerHostName = req.HostName
	state.PeerIPAddress = req.IPAddress
	state.PeerComponentVersion = req.ComponentVersion
}
