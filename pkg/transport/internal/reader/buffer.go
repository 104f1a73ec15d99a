// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package reader

import (
	"fmt"
)

// Buffer is a channel's read buffer. Socket reads append at lastRead; the Engine parses from msgStart; consumed
// trails msgStart while delivered data still lives in the Buffer.
//
//	0 <= consumed <= msgStart <= lastRead <= len(data)
type Buffer struct {
	data     []byte
	lastRead int
	msgStart int
	consumed int
}

// NewBuffer allocates a Buffer of size bytes.
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

func (b *Buffer) String() string {
	return fmt.Sprintf("BUFFER(consumed=%d, msg=%d, read=%d, cap=%d)", b.consumed, b.msgStart, b.lastRead, len(b.data))
}

// Cap is the Buffer's total size.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Free is the region after lastRead for the next socket read.
func (b *Buffer) Free() []byte {
	return b.data[b.lastRead:]
}

// Commit n bytes which were just read into Free.
func (b *Buffer) Commit(n int) error {
	if n < 0 || n > len(b.data)-b.lastRead {
		return fmt.Errorf("cannot commit %d bytes to %v", n, b)
	}
	b.lastRead += n
	return nil
}

// Fill copies as much of p as fits into the Free region and commits it.
func (b *Buffer) Fill(p []byte) int {
	n := copy(b.Free(), p)
	b.lastRead += n
	return n
}

// Pending are the received bytes not yet parsed.
func (b *Buffer) Pending() []byte {
	return b.data[b.msgStart:b.lastRead]
}

// Buffered is the amount of pending bytes.
func (b *Buffer) Buffered() int {
	return b.lastRead - b.msgStart
}

// advance msgStart past n parsed bytes.
func (b *Buffer) advance(n int) {
	b.msgStart += n
}

// release data delivered by the previous call, rewinding an empty Buffer to its start.
func (b *Buffer) release() {
	b.consumed = b.msgStart
	if b.msgStart == b.lastRead {
		b.lastRead, b.msgStart, b.consumed = 0, 0, 0
	}
}

// Compact moves the pending bytes to the Buffer's start. Data delivered earlier must have been released.
func (b *Buffer) Compact() {
	if b.consumed != b.msgStart {
		return
	}

	n := copy(b.data, b.data[b.msgStart:b.lastRead])
	b.lastRead, b.msgStart, b.consumed = n, 0, 0
}

// Grow the Buffer to size bytes, keeping its pending bytes.
func (b *Buffer) Grow(size int) {
	if size <= len(b.data) {
		return
	}

	grown := make([]byte, size)
	n := copy(grown, b.data[b.msgStart:b.lastRead])
	b.data = grown
	b.lastRead, b.msgStart, b.consumed = n, 0, 0
}

// GrowthPolicy makes room in a Buffer which cannot take the rest of a message.
type GrowthPolicy interface {
	// Reclaim at least need bytes of free space after lastRead. It reports false if this is impossible.
	Reclaim(b *Buffer, need int) bool
}

// CompactOnly never grows a Buffer; messages must fit into its initial size.
type CompactOnly struct{}

func (CompactOnly) Reclaim(b *Buffer, need int) bool {
	b.Compact()
	return len(b.Free()) >= need
}

func (CompactOnly) String() string {
	return "compact"
}

// Doubling compacts a Buffer and doubles its size while this is not enough, up to Max bytes.
type Doubling struct {
	Max int
}

func (d Doubling) Reclaim(b *Buffer, need int) bool {
	b.Compact()
	if len(b.Free()) >= need {
		return true
	}

	size := b.Cap()
	if size == 0 {
		size = 1
	}
	for size-b.Buffered() < need {
		size *= 2
	}

	if d.Max > 0 && size > d.Max {
		size = d.Max
		if size-b.Buffered() < need {
			return false
		}
	}

	b.Grow(size)
	return true
}

func (d Doubling) String() string {
	return fmt.Sprintf("doubling(max=%d)", d.Max)
}

// ParseGrowthPolicy parses "compact" or "doubling"; max bounds doubling, zero means unbounded.
func ParseGrowthPolicy(name string, max int) (GrowthPolicy, error) {
	switch name {
	case "", "compact":
		return CompactOnly{}, nil
	case "doubling":
		return Doubling{Max: max}, nil
	default:
		return nil, fmt.Errorf("unknown growth policy %q", name)
	}
}
