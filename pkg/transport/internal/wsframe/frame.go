// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package wsframe encodes and decodes WebSocket frame headers as described in RFC 6455, section 5.2.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-------+-+-------------+-------------------------------+
//	|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
//	|I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
//	|N|V|V|V|       |S|             |   (if payload len==126/127)   |
//	| |1|2|3|       |K|             |                               |
//	+-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
//
// All functions are free of I/O and state; payload bytes are never copied.
package wsframe

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MinHeaderLen is the size of the fixed frame header part.
	MinHeaderLen = 2
	// MaxHeaderLen is the size of a masked frame header with a 64-bit length.
	MaxHeaderLen = 14

	maskKeyLen        = 4
	len16             = 126
	len64             = 127
	maxControlPayload = 125
)

var (
	// ErrMalformedFrame reports a header violating the framing rules.
	ErrMalformedFrame = errors.New("malformed WebSocket frame")

	// ErrShortBuffer reports a destination too small for the header.
	ErrShortBuffer = errors.New("buffer too small for WebSocket frame header")
)

// Header is the metadata of one frame, derived by Decode from raw bytes.
type Header struct {
	Fin  bool
	Rsv1 bool
	Rsv2 bool
	Rsv3 bool

	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte

	// PayloadLen is the announced payload length. It is zero while an extended length is not yet readable.
	PayloadLen uint64
	// HeaderLen includes the extended length and the mask key.
	HeaderLen int
	// PayloadStart is the payload's offset, relative to the decoded slice.
	PayloadStart int

	// DataType is TEXT or BINARY for data frames and zero for control and continuation frames.
	DataType Opcode
	// Compressed is the RSV1 permessage-deflate marker of a text or binary frame.
	Compressed bool
	// Control is set for CLOSE, PING and PONG frames.
	Control bool
	// Fragment is set for data frames without the FIN bit.
	Fragment bool
	// Partial indicates that the header or its payload is not completely available yet.
	Partial bool
}

func (h Header) String() string {
	return fmt.Sprintf("WSFRAME(opcode=%v, fin=%t, rsv1=%t, masked=%t, len=%d, hdr=%d, partial=%t)",
		h.Opcode, h.Fin, h.Rsv1, h.Masked, h.PayloadLen, h.HeaderLen, h.Partial)
}

// FrameLen is the total frame size of a completely decoded Header.
func (h Header) FrameLen() uint64 {
	return uint64(h.HeaderLen) + h.PayloadLen
}

// HeaderLen of a frame carrying payloadLen bytes.
func HeaderLen(payloadLen uint64, masked bool) (n int) {
	switch {
	case payloadLen < len16:
		n = MinHeaderLen
	case payloadLen <= 0xFFFF:
		n = MinHeaderLen + 2
	default:
		n = MinHeaderLen + 8
	}

	if masked {
		n += maskKeyLen
	}
	return
}

// Params describe a frame header to be encoded.
type Params struct {
	PayloadLen  uint64
	Subprotocol Subprotocol
	Fin         bool
	Compressed  bool
	Masked      bool
	MaskKey     [4]byte

	// Opcode overrides the Subprotocol's data opcode unless it is OpNone, e.g., for control frames.
	Opcode Opcode
}

// Encode writes the header described by p to the start of buf and returns its length.
func Encode(buf []byte, p Params) (n int, err error) {
	op := p.Opcode
	if op == OpNone {
		op = p.Subprotocol.DataOpcode()
	}

	if !op.known() {
		return 0, fmt.Errorf("%w: opcode %v", ErrMalformedFrame, op)
	}
	if op.IsControl() && (!p.Fin || p.PayloadLen > maxControlPayload) {
		return 0, fmt.Errorf("%w: control frame %v must be final and at most %d bytes",
			ErrMalformedFrame, op, maxControlPayload)
	}

	n = HeaderLen(p.PayloadLen, p.Masked)
	if len(buf) < n {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, n, len(buf))
	}

	buf[0] = byte(op) & 0x0F
	if p.Fin {
		buf[0] |= 0x80
	}
	if p.Compressed && !op.IsControl() {
		buf[0] |= 0x40
	}

	var pos int
	switch {
	case p.PayloadLen < len16:
		buf[1] = byte(p.PayloadLen)
		pos = 2
	case p.PayloadLen <= 0xFFFF:
		buf[1] = len16
		binary.BigEndian.PutUint16(buf[2:], uint16(p.PayloadLen))
		pos = 4
	default:
		buf[1] = len64
		binary.BigEndian.PutUint64(buf[2:], p.PayloadLen)
		pos = 10
	}

	if p.Masked {
		buf[1] |= 0x80
		copy(buf[pos:], p.MaskKey[:])
	}

	return
}

// Decode fills h from the bytes available in b. It may be called again on the same, grown slice until h.Partial is
// unset. Only violations detectable from the available bytes are reported as errors.
func Decode(h *Header, b []byte) error {
	*h = Header{}

	if len(b) < MinHeaderLen {
		h.Partial = true
		h.HeaderLen = MinHeaderLen
		h.PayloadStart = MinHeaderLen
		if len(b) == 1 {
			decodeFirstByte(h, b[0])
			return validate(h)
		}
		return nil
	}

	decodeFirstByte(h, b[0])
	h.Masked = b[1]&0x80 != 0

	var extLen int
	switch l7 := b[1] & 0x7F; l7 {
	case len16:
		extLen = 2
	case len64:
		extLen = 8
	default:
		h.PayloadLen = uint64(l7)
	}

	h.HeaderLen = MinHeaderLen + extLen
	if h.Masked {
		h.HeaderLen += maskKeyLen
	}
	h.PayloadStart = h.HeaderLen

	if len(b) < h.HeaderLen {
		// An extended length cannot be trusted until all of its bytes are here.
		if extLen > 0 {
			h.PayloadLen = 0
		}
		h.Partial = true
		return validate(h)
	}

	switch extLen {
	case 2:
		h.PayloadLen = uint64(binary.BigEndian.Uint16(b[2:]))
	case 8:
		h.PayloadLen = binary.BigEndian.Uint64(b[2:])
		if h.PayloadLen&(1<<63) != 0 {
			return fmt.Errorf("%w: most significant bit of the 64-bit length is set", ErrMalformedFrame)
		}
	}

	if h.Masked {
		copy(h.MaskKey[:], b[MinHeaderLen+extLen:h.HeaderLen])
	}

	h.Partial = uint64(len(b)-h.HeaderLen) < h.PayloadLen
	return validate(h)
}

func decodeFirstByte(h *Header, b0 byte) {
	h.Fin = b0&0x80 != 0
	h.Rsv1 = b0&0x40 != 0
	h.Rsv2 = b0&0x20 != 0
	h.Rsv3 = b0&0x10 != 0
	h.Opcode = Opcode(b0 & 0x0F)
	h.Control = h.Opcode.IsControl()

	if !h.Control {
		h.Fragment = !h.Fin
	}
	if h.Opcode != OpContinuation && !h.Control {
		h.DataType = h.Opcode
		h.Compressed = h.Rsv1
	}
}

func validate(h *Header) error {
	switch {
	case !h.Opcode.known():
		return fmt.Errorf("%w: unknown opcode %v", ErrMalformedFrame, h.Opcode)
	case h.Rsv2 || h.Rsv3:
		return fmt.Errorf("%w: reserved bits RSV2/RSV3 are set", ErrMalformedFrame)
	case h.Control && !h.Fin:
		return fmt.Errorf("%w: fragmented control frame %v", ErrMalformedFrame, h.Opcode)
	case h.Control && h.Rsv1:
		return fmt.Errorf("%w: compressed control frame %v", ErrMalformedFrame, h.Opcode)
	case h.Opcode == OpContinuation && h.Rsv1:
		return fmt.Errorf("%w: RSV1 is set on a continuation frame", ErrMalformedFrame)
	case h.Control && h.PayloadLen > maxControlPayload:
		return fmt.Errorf("%w: control frame %v of %d bytes", ErrMalformedFrame, h.Opcode, h.PayloadLen)
	default:
		return nil
	}
}

// Mask XORs b in place with the cyclic key. The same call unmasks.
func Mask(b []byte, key [4]byte) {
	MaskAt(b, key, 0)
}

// MaskAt masks b as if it started at payload position pos, allowing a payload to be processed in chunks.
func MaskAt(b []byte, key [4]byte, pos int) {
	for i := range b {
		b[i] ^= key[(pos+i)%maskKeyLen]
	}
}

// NewMaskKey returns a random masking key for client frames.
func NewMaskKey() (key [4]byte) {
	_, _ = rand.Read(key[:])
	return
}

// ClosePayload creates a CLOSE frame payload carrying the status code.
func ClosePayload(code uint16) []byte {
	var p = make([]byte, 2)
	binary.BigEndian.PutUint16(p, code)
	return p
}

// CloseCode extracts the status code of a CLOSE payload, CloseNoStatus for a payload shorter than two bytes.
func CloseCode(payload []byte) uint16 {
	if len(payload) < 2 {
		return CloseNoStatus
	}
	return binary.BigEndian.Uint16(payload)
}
