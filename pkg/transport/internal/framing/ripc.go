// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package framing

import (
	"encoding/binary"
	"fmt"

	"github.com/dtn7/ripc-go/pkg/transport/internal/msgs"
)

// RIPC frames messages with a two byte length prefix and a flags byte.
type RIPC struct {
	Version msgs.ConnVersion
}

// NewRIPC creates a RIPC Framer for a negotiated connection version.
func NewRIPC(version msgs.ConnVersion) *RIPC {
	return &RIPC{Version: version}
}

func (r *RIPC) framer() {}

func (r *RIPC) String() string {
	return fmt.Sprintf("ripc(%v)", r.Version)
}

func (r *RIPC) Scan(b []byte) (u Unit, err error) {
	u.HeaderLen = msgs.HeaderLen

	l, ok := msgs.MessageLen(b)
	if !ok {
		return
	}
	if l < msgs.HeaderLen {
		err = fmt.Errorf("%w: RIPC length %d is shorter than its header", ErrMalformed, l)
		return
	}

	u.Known = true
	u.Len = l
	return
}

func (r *RIPC) HeaderLen(s Segment) int {
	switch {
	case !s.Fragmented:
		return msgs.HeaderLen
	case s.First:
		return msgs.FragmentHeaderLen(r.Version)
	default:
		return msgs.FragmentLen(r.Version)
	}
}

func (r *RIPC) Append(dst []byte, s Segment) ([]byte, error) {
	hdrLen := r.HeaderLen(s)
	total := hdrLen + len(s.Payload)
	if total > msgs.MaxMessageLen {
		return dst, fmt.Errorf("RIPC message of %d bytes exceeds %d bytes", total, msgs.MaxMessageLen)
	}

	flags := msgs.FlagData
	if s.Compressed {
		flags |= msgs.FlagCompressed
	}
	if s.Packed {
		flags |= msgs.FlagPacking
	}

	var hdr [msgs.ExtHeaderLen + 4 + 2]byte
	switch {
	case !s.Fragmented:
		msgs.PutHeader(hdr[:], total, flags)
	case s.First:
		msgs.PutFragmentHeader(hdr[:], r.Version, total, flags, uint32(s.TotalLen), s.FragId)
	default:
		msgs.PutFragment(hdr[:], r.Version, total, flags, s.FragId)
	}

	dst = append(dst, hdr[:hdrLen]...)
	return append(dst, s.Payload...), nil
}

func (r *RIPC) FragmentCapacity(maxUnit int) (first, rest int) {
	if maxUnit > msgs.MaxMessageLen {
		maxUnit = msgs.MaxMessageLen
	}
	return maxUnit - msgs.FragmentHeaderLen(r.Version), maxUnit - msgs.FragmentLen(r.Version)
}

func (r *RIPC) Ping() []byte {
	return append([]byte(nil), msgs.PingBytes...)
}

// AppendPacked appends one length prefixed sub-message to a packed payload.
func AppendPacked(dst, msg []byte) []byte {
	var l [msgs.PackedHeaderLen]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(msg)))
	return append(append(dst, l[:]...), msg...)
}

// NextPacked splits the first non-empty sub-message off a packed payload. An empty msg and rest indicate the end.
func NextPacked(b []byte) (msg, rest []byte, err error) {
	for len(b) > 0 {
		if len(b) < msgs.PackedHeaderLen {
			err = fmt.Errorf("%w: packed payload ends within a length field", ErrMalformed)
			return
		}

		l := int(binary.BigEndian.Uint16(b))
		b = b[msgs.PackedHeaderLen:]
		if l > len(b) {
			err = fmt.Errorf("%w: packed sub-message of %d bytes exceeds the remaining %d bytes", ErrMalformed, l, len(b))
			return
		} else if l == 0 {
			continue
		}

		return b[:l], b[l:], nil
	}
	return
}
