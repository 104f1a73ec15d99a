// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package compress

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/gobwas/ws/wsflate"
)

func flateLevel(level int) int {
	if level < flate.NoCompression || level > flate.BestCompression {
		return flate.DefaultCompression
	}
	return level
}

// deflateBound covers stored block headers, the zlib header and checksum and the final block.
func deflateBound(n int) int {
	return n + n>>11 + 64
}

// zlibCodec produces one complete zlib stream per message.
type zlibCodec struct {
	level int

	writer *zlib.Writer
	reader io.ReadCloser
	src    bytes.Reader
}

func newZlibCodec(level int) *zlibCodec {
	return &zlibCodec{level: flateLevel(level)}
}

func (c *zlibCodec) Type() Type {
	return Zlib
}

func (c *zlibCodec) MaxCompressedLength(n int) int {
	return deflateBound(n)
}

func (c *zlibCodec) Compress(dst, src []byte) (int, error) {
	if bound := c.MaxCompressedLength(len(src)); len(dst) < bound {
		return 0, fmt.Errorf("%w: zlib needs %d bytes, have %d", ErrInsufficientCapacity, bound, len(dst))
	}

	fw := &fixedWriter{buf: dst}
	if c.writer == nil {
		w, err := zlib.NewWriterLevel(fw, c.level)
		if err != nil {
			return 0, err
		}
		c.writer = w
	} else {
		c.writer.Reset(fw)
	}

	if _, err := c.writer.Write(src); err != nil {
		return 0, err
	}
	if err := c.writer.Close(); err != nil {
		return 0, err
	}

	return fw.n, nil
}

func (c *zlibCodec) Decompress(dst, src []byte) (int, error) {
	c.src.Reset(src)

	if c.reader == nil {
		r, err := zlib.NewReader(&c.src)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		c.reader = r
	} else if err := c.reader.(zlib.Resetter).Reset(&c.src, nil); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return readInto(c.reader, dst)
}

// deflateCodec is permessage-deflate without context takeover. Compressed output lacks the trailing sync marker, as
// required by RFC 7692.
type deflateCodec struct {
	level int

	writer *wsflate.Writer
	reader *wsflate.Reader
	src    bytes.Reader
}

// NewDeflate creates the permessage-deflate Codec. Its Type is Zlib, which is how it is negotiated.
func NewDeflate(level int) Codec {
	return &deflateCodec{level: flateLevel(level)}
}

func (c *deflateCodec) Type() Type {
	return Zlib
}

func (c *deflateCodec) MaxCompressedLength(n int) int {
	return deflateBound(n)
}

func (c *deflateCodec) newCompressor(w io.Writer) wsflate.Compressor {
	// The level was checked by flateLevel.
	fw, _ := flate.NewWriter(w, c.level)
	return fw
}

func (c *deflateCodec) Compress(dst, src []byte) (int, error) {
	if bound := c.MaxCompressedLength(len(src)); len(dst) < bound {
		return 0, fmt.Errorf("%w: deflate needs %d bytes, have %d", ErrInsufficientCapacity, bound, len(dst))
	}

	fw := &fixedWriter{buf: dst}
	if c.writer == nil {
		c.writer = wsflate.NewWriter(fw, c.newCompressor)
	} else {
		c.writer.Reset(fw)
	}

	if _, err := c.writer.Write(src); err != nil {
		return 0, err
	}
	if err := c.writer.Flush(); err != nil {
		return 0, err
	}
	return fw.n, nil
}

func (c *deflateCodec) Decompress(dst, src []byte) (int, error) {
	c.src.Reset(src)

	if c.reader == nil {
		c.reader = wsflate.NewReader(&c.src, func(r io.Reader) wsflate.Decompressor {
			return flate.NewReader(r)
		})
	} else {
		c.reader.Reset(&c.src)
	}

	return readInto(c.reader, dst)
}
