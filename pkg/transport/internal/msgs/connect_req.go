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

// CONNECT_REQ is the opcode of a ConnectRequest.
const CONNECT_REQ uint8 = 0x00

// MaxComponentVersionLen bounds the component version string in handshake messages.
const MaxComponentVersionLen = 253

// CompressionBitmap announces the compression types a client is able to use, one bit per compress.Type.
type CompressionBitmap uint8

// NewCompressionBitmap for the given types; compress.None is implicit.
func NewCompressionBitmap(types ...compress.Type) (cb CompressionBitmap) {
	for _, t := range types {
		if t != compress.None {
			cb |= 1 << t
		}
	}
	return
}

// Offers reports whether a compress.Type is part of this bitmap.
func (cb CompressionBitmap) Offers(t compress.Type) bool {
	return t == compress.None || cb&(1<<t) != 0
}

// ConnectRequest is sent by a RIPC client to open a session.
type ConnectRequest struct {
	Version      ConnVersion
	Flags        uint8
	Compression  CompressionBitmap
	PingTimeout  uint8
	SessionFlags SessionFlags
	ProtocolType uint8
	MajorVersion uint8
	MinorVersion uint8
	HostName     string
	IPAddress    string

	// ComponentVersion is only transmitted for RIPC13 and later.
	ComponentVersion string
}

// NewConnectRequest creates a ConnectRequest for a version; the remaining fields are set by the caller.
func NewConnectRequest(version ConnVersion) ConnectRequest {
	return ConnectRequest{Version: version}
}

func (cr ConnectRequest) String() string {
	return fmt.Sprintf(
		"CONNECT_REQ(version=%v, compression=%08b, ping timeout=%d, session flags=%v, protocol=%d, "+
			"major=%d, minor=%d, host=%s, ip=%s, component=%q)",
		cr.Version, uint8(cr.Compression), cr.PingTimeout, cr.SessionFlags, cr.ProtocolType,
		cr.MajorVersion, cr.MinorVersion, cr.HostName, cr.IPAddress, cr.ComponentVersion)
}

func (cr ConnectRequest) Marshal(w io.Writer) error {
	var buf = new(bytes.Buffer)

	// A bitmap length of one precedes the bitmap itself.
	err := writeFields(buf,
		uint32(cr.Version),
		cr.Flags,
		uint8(1),
		uint8(cr.Compression),
		cr.PingTimeout,
		uint8(cr.SessionFlags),
		cr.ProtocolType,
		cr.MajorVersion,
		cr.MinorVersion)
	if err != nil {
		return err
	}

	for _, s := range []string{cr.HostName, cr.IPAddress} {
		if err := writeString8(buf, s); err != nil {
			return err
		}
	}

	if cr.Version.HasComponentInfo() {
		if err := writeString8(buf, truncateComponent(cr.ComponentVersion)); err != nil {
			return err
		}
	}

	return marshalFrame(w, CONNECT_REQ, buf.Bytes())
}

func (cr *ConnectRequest) Unmarshal(r io.Reader) error {
	buf, err := unmarshalFrame(r, CONNECT_REQ)
	if err != nil {
		return err
	}

	var version uint32
	var bitmapLen uint8
	if err := readFields(buf, &version, &cr.Flags, &bitmapLen); err != nil {
		return err
	}
	cr.Version = ConnVersion(version)

	var bitmap = make([]byte, bitmapLen)
	if _, err := io.ReadFull(buf, bitmap); err != nil {
		return fmt.Errorf("CONNECT_REQ's compression bitmap is truncated: %w", err)
	}
	cr.Compression = 0
	if bitmapLen > 0 {
		cr.Compression = CompressionBitmap(bitmap[0])
	}

	var sessionFlags uint8
	if err := readFields(buf, &cr.PingTimeout, &sessionFlags, &cr.ProtocolType, &cr.MajorVersion, &cr.MinorVersion); err != nil {
		return err
	}
	cr.SessionFlags = SessionFlags(sessionFlags)

	if cr.HostName, err = readString8(buf); err != nil {
		return err
	}
	if cr.IPAddress, err = readString8(buf); err != nil {
		return err
	}

	cr.ComponentVersion = ""
	if cr.Version.HasComponentInfo() {
		if cr.ComponentVersion, err = readString8(buf); err != nil {
			return err
		}
	}

	return expectEmpty("CONNECT_REQ", buf)
}

func truncateComponent(s string) string {
	if len(s) > MaxComponentVersionLen {
		return s[:MaxComponentVersionLen]
	}
	return s
}
