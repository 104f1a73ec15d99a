// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wsframe

import (
	"fmt"
	"strings"
)

// Opcode is the four bit frame type of a WebSocket frame.
type Opcode uint8

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA

	// OpNone lets Encode derive the opcode from the Subprotocol.
	OpNone Opcode = 0xFF
)

// IsControl reports whether this Opcode is one of the control frame types.
func (op Opcode) IsControl() bool {
	return op != OpNone && op&0x08 != 0
}

func (op Opcode) known() bool {
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "CONT"
	case OpText:
		return "TEXT"
	case OpBinary:
		return "BINARY"
	case OpClose:
		return "CLOSE"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	case OpNone:
		return "NONE"
	default:
		return fmt.Sprintf("OPCODE(%x)", uint8(op))
	}
}

// Subprotocol identifies the negotiated Sec-WebSocket-Protocol.
type Subprotocol uint8

const (
	SubprotocolNone Subprotocol = iota
	SubprotocolRWF
	SubprotocolJSON2
)

// subprotocolNames lists all accepted names, the canonical name of each Subprotocol first.
var subprotocolNames = []struct {
	name string
	sp   Subprotocol
}{
	{"rssl.json.v2", SubprotocolJSON2},
	{"rssl.rwf", SubprotocolRWF},
	{"tr_json2", SubprotocolJSON2},
	{"tr_rwf", SubprotocolRWF},
}

// ParseSubprotocol maps a Sec-WebSocket-Protocol token to its Subprotocol or SubprotocolNone.
func ParseSubprotocol(name string) Subprotocol {
	name = strings.TrimSpace(name)
	for _, n := range subprotocolNames {
		if strings.EqualFold(n.name, name) {
			return n.sp
		}
	}
	return SubprotocolNone
}

func (sp Subprotocol) String() string {
	for _, n := range subprotocolNames {
		if n.sp == sp {
			return n.name
		}
	}
	return "none"
}

// DataOpcode is the opcode of a data frame for this Subprotocol: TEXT for JSON, BINARY otherwise.
func (sp Subprotocol) DataOpcode() Opcode {
	if sp == SubprotocolJSON2 {
		return OpText
	}
	return OpBinary
}

// Close status codes as used by this transport.
const (
	CloseNormal        uint16 = 1000
	CloseGoingAway     uint16 = 1001
	CloseProtocolError uint16 = 1002
	CloseNoStatus      uint16 = 1005
	CloseTooBig        uint16 = 1009
)
