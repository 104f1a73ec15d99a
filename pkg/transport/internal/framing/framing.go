// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package framing contains the two wire envelopes of a channel: RIPC's length prefixed messages and WebSocket frames.
//
// A Framer is selected once a handshake completes and stays fixed for the channel's lifetime. Exactly two types
// implement it, RIPC and WebSocket; users switch on the concrete type where the envelopes behave differently.
package framing

import (
	"fmt"

	"github.com/dtn7/ripc-go/pkg/transport/internal/wsframe"
)

// ErrMalformed reports a wire unit violating its framing rules. It is the same error as wsframe.ErrMalformedFrame.
var ErrMalformed = wsframe.ErrMalformedFrame

// errTooLarge reports a wire unit which cannot be addressed by an int.
var errTooLarge = fmt.Errorf("%w: wire unit exceeds the addressable size", ErrMalformed)

// Unit describes the extent of the next wire unit at the start of a byte slice.
type Unit struct {
	// Known is set as soon as the unit's total length is determined.
	Known bool
	// Len is the unit's total length, header included. It is zero unless Known.
	Len int
	// HeaderLen is the size of the unit's header. For WebSocket frames the mask key is included.
	HeaderLen int

	// Frame is the decoded WebSocket header; it stays zero for RIPC.
	Frame wsframe.Header
}

func (u Unit) String() string {
	if !u.Known {
		return "UNIT(unknown)"
	}
	return fmt.Sprintf("UNIT(len=%d, hdr=%d)", u.Len, u.HeaderLen)
}

// Segment describes one outbound wire unit.
type Segment struct {
	Payload []byte

	Compressed bool
	// Packed marks a RIPC payload made of length prefixed sub-messages.
	Packed bool

	// Fragmented is set for each part of a message spread over multiple units. First marks the first part, More is
	// set on all but the last part.
	Fragmented bool
	First      bool
	More       bool
	// TotalLen is the logical length of a fragmented message, announced in its first part.
	TotalLen int
	// FragId identifies a fragmented message among others in progress.
	FragId uint16
}

// Framer is one of the two wire envelopes, RIPC or WebSocket.
type Framer interface {
	// Scan reports the extent of the next wire unit at the start of b.
	Scan(b []byte) (Unit, error)

	// HeaderLen is the header size Append prepends to a Segment.
	HeaderLen(s Segment) int

	// Append appends the Segment's wire representation to dst.
	Append(dst []byte, s Segment) ([]byte, error)

	// FragmentCapacity is the payload capacity of the first and the following parts of a fragmented message, given
	// the largest wire unit.
	FragmentCapacity(maxUnit int) (first, rest int)

	// Ping returns a complete keepalive unit.
	Ping() []byte

	fmt.Stringer

	framer()
}
