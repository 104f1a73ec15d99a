// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package compress

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// lz4Codec compresses each message into one LZ4 block.
type lz4Codec struct {
	compressor lz4.Compressor
}

func newLZ4Codec() *lz4Codec {
	return &lz4Codec{}
}

func (c *lz4Codec) Type() Type {
	return LZ4
}

func (c *lz4Codec) MaxCompressedLength(n int) int {
	return lz4.CompressBlockBound(n)
}

func (c *lz4Codec) Compress(dst, src []byte) (int, error) {
	if bound := c.MaxCompressedLength(len(src)); len(dst) < bound {
		return 0, fmt.Errorf("%w: lz4 needs %d bytes, have %d", ErrInsufficientCapacity, bound, len(dst))
	}
	if len(src) == 0 {
		return 0, nil
	}

	n, err := c.compressor.CompressBlock(src, dst)
	if err != nil {
		return 0, err
	} else if n == 0 {
		return 0, fmt.Errorf("lz4 refused to compress %d bytes", len(src))
	}
	return n, nil
}

func (c *lz4Codec) Decompress(dst, src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}

	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		// A short destination and a broken block are indistinguishable for LZ4.
		return 0, fmt.Errorf("%w: %v", ErrInsufficientCapacity, err)
	}
	return n, nil
}
