// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package compress offers a uniform Codec interface over the compression algorithms a channel might negotiate.
//
// Every Codec works on whole messages: one Compress call produces a self-contained unit which a single Decompress
// call restores. Codecs are not safe for concurrent use; each direction of a channel owns its own instance.
package compress

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Type of a compression algorithm, as announced in the RIPC handshake.
type Type uint8

const (
	None Type = 0
	Zlib Type = 1
	LZ4  Type = 2
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Zlib:
		return "zlib"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseType parses a case-insensitive compression name; the empty string is None.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "zlib":
		return Zlib, nil
	case "lz4":
		return LZ4, nil
	default:
		return None, fmt.Errorf("unknown compression type %q", name)
	}
}

// Threshold is the smallest payload worth compressing with this Type.
func (t Type) Threshold() int {
	switch t {
	case Zlib:
		return 30
	case LZ4:
		return 300
	default:
		return 0
	}
}

var (
	// ErrInsufficientCapacity reports a destination too small for the (de)compressed output. Nothing beyond the
	// destination's length was written.
	ErrInsufficientCapacity = errors.New("insufficient destination capacity")

	// ErrCorrupt reports compressed input which could not be restored.
	ErrCorrupt = errors.New("corrupt compressed data")
)

// Codec compresses and decompresses whole messages.
type Codec interface {
	// Type of this Codec's algorithm.
	Type() Type

	// Compress src into dst, returning the amount of written bytes. It fails with ErrInsufficientCapacity if dst is
	// shorter than MaxCompressedLength(len(src)).
	Compress(dst, src []byte) (int, error)

	// Decompress src into dst, returning the restored length. A dst which cannot hold the output results in
	// ErrInsufficientCapacity.
	Decompress(dst, src []byte) (int, error)

	// MaxCompressedLength is the worst case output size for n input bytes.
	MaxCompressedLength(n int) int
}

// New creates a Codec for a Type. The level is ignored by algorithms without levels.
func New(t Type, level int) (Codec, error) {
	switch t {
	case Zlib:
		return newZlibCodec(level), nil
	case LZ4:
		return newLZ4Codec(), nil
	default:
		return nil, fmt.Errorf("no codec for compression type %v", t)
	}
}

// fixedWriter writes into a fixed slice and refuses to grow beyond it.
type fixedWriter struct {
	buf []byte
	n   int
}

func (fw *fixedWriter) Write(p []byte) (int, error) {
	if len(p) > len(fw.buf)-fw.n {
		return 0, ErrInsufficientCapacity
	}

	fw.n += copy(fw.buf[fw.n:], p)
	return len(p), nil
}

// readInto reads r until io.EOF into dst.
func readInto(r io.Reader, dst []byte) (n int, err error) {
	for n < len(dst) {
		m, rErr := r.Read(dst[n:])
		n += m

		if rErr == io.EOF {
			return n, nil
		} else if rErr != nil {
			return n, fmt.Errorf("%w: %v", ErrCorrupt, rErr)
		}
	}

	// dst is full, but the stream must end here as well.
	var probe [1]byte
	for {
		m, rErr := r.Read(probe[:])
		if m > 0 {
			return n, fmt.Errorf("%w: output exceeds %d bytes", ErrInsufficientCapacity, len(dst))
		} else if rErr == io.EOF {
			return n, nil
		} else if rErr != nil {
			return n, fmt.Errorf("%w: %v", ErrCorrupt, rErr)
		}
	}
}
