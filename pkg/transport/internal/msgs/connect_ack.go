// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/ripc-go/pkg/transport/internal/compress"
)

// CONNECT_ACK is the opcode of a ConnectAck.
const CONNECT_ACK uint8 = 0x01

// ConnectAck is the server's acceptance of a ConnectRequest, carrying the negotiated session parameters.
type ConnectAck struct {
	Version          ConnVersion
	MaxUserMsgSize   uint16
	PingTimeout      uint8
	SessionFlags     SessionFlags
	MajorVersion     uint8
	MinorVersion     uint8
	CompressionType  compress.Type
	CompressionLevel uint8

	// ComponentVersion is only transmitted for RIPC13 and later.
	ComponentVersion string
}

func (ca ConnectAck) String() string {
	return fmt.Sprintf(
		"CONNECT_ACK(version=%v, max msg size=%d, ping timeout=%d, session flags=%v, major=%d, minor=%d, "+
			"compression=%v/%d, component=%q)",
		ca.Version, ca.MaxUserMsgSize, ca.PingTimeout, ca.SessionFlags, ca.MajorVersion, ca.MinorVersion,
		ca.CompressionType, ca.CompressionLevel, ca.ComponentVersion)
}

func (ca ConnectAck) Marshal(w io.Writer) error {
	var buf = new(bytes.Buffer)

	err := writeFields(buf,
		uint32(ca.Version),
		ca.MaxUserMsgSize,
		ca.PingTimeout,
		uint8(ca.SessionFlags),
		ca.MajorVersion,
		ca.MinorVersion,
		uint8(ca.CompressionType),
		ca.CompressionLevel)
	if err != nil {
		return err
	}

	if ca.Version.HasComponentInfo() {
		if err := writeString8(buf, truncateComponent(ca.ComponentVersion)); err != nil {
			return err
		}
	}

	return marshalFrame(w, CONNECT_ACK, buf.Bytes())
}

func (ca *ConnectAck) Unmarshal(r io.Reader) error {
	buf, err := unmarshalFrame(r, CONNECT_ACK)
	if err != nil {
		return err
	}

	var version uint32
	var sessionFlags, compressionType uint8
	err = readFields(buf,
		&version,
		&ca.MaxUserMsgSize,
		&ca.PingTimeout,
		&sessionFlags,
		&ca.MajorVersion,
		&ca.MinorVersion,
		&compressionType,
		&ca.CompressionLevel)
	if err != nil {
		return err
	}

	ca.Version = ConnVersion(version)
	ca.SessionFlags = SessionFlags(sessionFlags)
	ca.CompressionType = compress.Type(compressionType)

	ca.ComponentVersion = ""
	if ca.Version.HasComponentInfo() {
		if ca.ComponentVersion, err = readString8(buf); err != nil {
			return err
		}
	}

	return expectEmpty("CONNECT_ACK", buf)
}
