// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bigbuf

import (
	"fmt"
)

// MaxPrealloc bounds the bytes reserved for an announced length before its fragments arrived.
const MaxPrealloc = 64 * 1024

// Incoming reassembles a fragmented message from its parts.
type Incoming struct {
	Id uint16

	// expected is the announced logical length or zero if unknown, as for WebSocket continuations.
	expected int
	limit    int
	endFlag  bool
	buf      []byte

	// Compressed is set if the message must be decompressed after its reassembly.
	Compressed bool
}

// NewIncoming creates an Incoming for a message of expected bytes, or an unknown length if expected is zero. The
// reassembled message may not exceed limit bytes. Up to prealloc bytes, or the expected length, are reserved upfront,
// but never more than MaxPrealloc.
func NewIncoming(id uint16, expected, limit, prealloc int) (*Incoming, error) {
	if expected > limit {
		return nil, fmt.Errorf("fragmented message of %d bytes exceeds the limit of %d bytes", expected, limit)
	}

	if expected > 0 {
		prealloc = expected
	} else if prealloc > limit {
		prealloc = limit
	}
	if prealloc > MaxPrealloc {
		prealloc = MaxPrealloc
	}

	return &Incoming{
		Id:       id,
		expected: expected,
		limit:    limit,
		buf:      make([]byte, 0, prealloc),
	}, nil
}

func (in *Incoming) String() string {
	return fmt.Sprintf("INCOMING(%d, %d/%d bytes)", in.Id, len(in.buf), in.expected)
}

// IsFinished indicates if this message is complete.
func (in *Incoming) IsFinished() bool {
	return in.endFlag
}

// Len is the amount of reassembled bytes.
func (in *Incoming) Len() int {
	return len(in.buf)
}

// Append the next fragment's data. A message of a known length finishes as soon as all bytes arrived, otherwise the
// last flag finishes it.
func (in *Incoming) Append(data []byte, last bool) error {
	if in.IsFinished() {
		return fmt.Errorf("%v has already been finished", in)
	}

	l := len(in.buf) + len(data)
	if in.expected > 0 && l > in.expected {
		return fmt.Errorf("%v would grow to %d bytes", in, l)
	} else if l > in.limit {
		return fmt.Errorf("%v exceeds the limit of %d bytes", in, in.limit)
	}

	if l > cap(in.buf) {
		// Doubling, bounded by the expected length or the limit.
		size := 2 * l
		if in.expected > 0 && size > in.expected {
			size = in.expected
		} else if size > in.limit {
			size = in.limit
		}

		grown := make([]byte, len(in.buf), size)
		copy(grown, in.buf)
		in.buf = grown
	}
	in.buf = append(in.buf, data...)

	if in.expected > 0 {
		in.endFlag = len(in.buf) == in.expected
		if last && !in.endFlag {
			return fmt.Errorf("%v ended early", in)
		}
	} else {
		in.endFlag = last
	}
	return nil
}

// Bytes of a finished message.
func (in *Incoming) Bytes() ([]byte, error) {
	if !in.IsFinished() {
		return nil, fmt.Errorf("%v has not been finished", in)
	}
	return in.buf, nil
}
