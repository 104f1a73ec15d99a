// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgs

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// HeaderLen is the size of the data message header: 2-byte length and flags.
	HeaderLen = 3
	// ExtHeaderLen is the header size when extended flags are present.
	ExtHeaderLen = 4
	// PackedHeaderLen is the length prefix of each packed sub-message.
	PackedHeaderLen = 2
	// MaxMessageLen is the largest length a RIPC header can express.
	MaxMessageLen = 0xFFFF
)

// PingBytes is a complete RIPC ping, a data header without payload.
var PingBytes = []byte{0x00, 0x03, 0x02}

// Flags of a RIPC data message header.
type Flags uint8

const (
	FlagHasOptional  Flags = 0x01
	FlagData         Flags = 0x02
	FlagCompressed   Flags = 0x04
	FlagCompFragment Flags = 0x08
	FlagPacking      Flags = 0x10
)

func (f Flags) String() string {
	var flags []string

	if f&FlagHasOptional != 0 {
		flags = append(flags, "HAS_OPTIONAL_FLAGS")
	}
	if f&FlagData != 0 {
		flags = append(flags, "DATA")
	}
	if f&FlagCompressed != 0 {
		flags = append(flags, "COMPRESSED")
	}
	if f&FlagCompFragment != 0 {
		flags = append(flags, "COMP_FRAGMENT")
	}
	if f&FlagPacking != 0 {
		flags = append(flags, "PACKING")
	}

	return strings.Join(flags, ",")
}

// ExtFlags are the optional, extended flags following the header for fragmented messages.
type ExtFlags uint8

const (
	ExtFragmentHeader ExtFlags = 0x01
	ExtFragment       ExtFlags = 0x04
)

func (ef ExtFlags) String() string {
	var flags []string

	if ef&ExtFragmentHeader != 0 {
		flags = append(flags, "FRAGMENT_HEADER")
	}
	if ef&ExtFragment != 0 {
		flags = append(flags, "FRAGMENT")
	}

	return strings.Join(flags, ",")
}

// PutHeader writes a data header for a message of total bytes, header included.
func PutHeader(b []byte, total int, flags Flags) {
	binary.BigEndian.PutUint16(b, uint16(total))
	b[2] = byte(flags)
}

// FragmentHeaderLen is the header size of a fragmented message's first part.
func FragmentHeaderLen(v ConnVersion) int {
	return ExtHeaderLen + 4 + v.FragIdLen()
}

// FragmentLen is the header size of a following fragment.
func FragmentLen(v ConnVersion) int {
	return ExtHeaderLen + v.FragIdLen()
}

// PutFragmentHeader writes the header of a fragmented message's first part, returning the header's length.
func PutFragmentHeader(b []byte, v ConnVersion, total int, flags Flags, totalLen uint32, fragId uint16) int {
	n := FragmentHeaderLen(v)
	PutHeader(b, total, flags|FlagHasOptional)
	b[3] = byte(ExtFragmentHeader)
	binary.BigEndian.PutUint32(b[4:], totalLen)
	putFragId(b[8:], v, fragId)
	return n
}

// PutFragment writes the header of a following fragment, returning the header's length.
func PutFragment(b []byte, v ConnVersion, total int, flags Flags, fragId uint16) int {
	n := FragmentLen(v)
	PutHeader(b, total, flags|FlagHasOptional)
	b[3] = byte(ExtFragment)
	putFragId(b[4:], v, fragId)
	return n
}

func putFragId(b []byte, v ConnVersion, fragId uint16) {
	if v.FragIdLen() == 1 {
		b[0] = byte(fragId)
	} else {
		binary.BigEndian.PutUint16(b, fragId)
	}
}

// FragId reads a fragment id of the version's size.
func FragId(b []byte, v ConnVersion) uint16 {
	if v.FragIdLen() == 1 {
		return uint16(b[0])
	}
	return binary.BigEndian.Uint16(b)
}

// ConnVersion is the RIPC connection version exchanged during the handshake.
type ConnVersion uint32

const (
	Version12 ConnVersion = 22
	Version13 ConnVersion = 23
	Version14 ConnVersion = 24
)

// Known reports whether this ConnVersion is supported.
func (v ConnVersion) Known() bool {
	return v == Version12 || v == Version13 || v == Version14
}

// FragIdLen is the size of fragment ids: one byte for RIPC12, two bytes otherwise.
func (v ConnVersion) FragIdLen() int {
	if v == Version12 {
		return 1
	}
	return 2
}

// HasComponentInfo reports whether handshake messages carry component version information.
func (v ConnVersion) HasComponentInfo() bool {
	return v >= Version13
}

func (v ConnVersion) String() string {
	if v.Known() {
		return fmt.Sprintf("RIPC%d", uint32(v)-10)
	}
	return fmt.Sprintf("RIPC(unknown %d)", uint32(v))
}

// SessionFlags announce the expected ping directions.
type SessionFlags uint8

const (
	ClientToServerPing SessionFlags = 0x01
	ServerToClientPing SessionFlags = 0x02
)

func (sf SessionFlags) String() string {
	var flags []string

	if sf&ClientToServerPing != 0 {
		flags = append(flags, "CLIENT_TO_SERVER_PING")
	}
	if sf&ServerToClientPing != 0 {
		flags = append(flags, "SERVER_TO_CLIENT_PING")
	}

	return strings.Join(flags, ",")
}
