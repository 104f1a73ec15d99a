// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package bigbuf splits messages exceeding one network buffer into wire fragments and reassembles them again.
package bigbuf

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInsufficientSpace reports a destination smaller than the message's logical length.
	ErrInsufficientSpace = errors.New("insufficient space for the big buffer's content")

	// ErrFull reports a write beyond the message's logical length.
	ErrFull = errors.New("big buffer is full")
)

// Fragment is one wire sized part of an outgoing message.
type Fragment struct {
	Seq  int
	Data []byte

	// First is set on the first Fragment; More on all but the last.
	First bool
	More  bool
}

func (f Fragment) String() string {
	return fmt.Sprintf("FRAGMENT(seq=%d, len=%d, first=%t, more=%t)", f.Seq, len(f.Data), f.First, f.More)
}

// Assembler accumulates an outgoing message of a known logical length and hands it out as Fragments. The first
// Fragment might have a different capacity than the following ones, e.g., because of a longer header.
type Assembler struct {
	Id uint16

	total     int
	firstCap  int
	restCap   int
	data      []byte
	nextStart int
	nextSeq   int
}

// NewAssembler for a message of total bytes, split into fragments of firstCap and restCap bytes.
func NewAssembler(id uint16, total, firstCap, restCap int) (*Assembler, error) {
	if total <= 0 {
		return nil, fmt.Errorf("big buffer needs a positive length, not %d", total)
	}
	if firstCap <= 0 || restCap <= 0 {
		return nil, fmt.Errorf("fragment capacities %d and %d must be positive", firstCap, restCap)
	}

	return &Assembler{
		Id:       id,
		total:    total,
		firstCap: firstCap,
		restCap:  restCap,
		data:     make([]byte, 0, total),
	}, nil
}

func (a *Assembler) String() string {
	return fmt.Sprintf("BIG_BUFFER(%d, %d/%d bytes)", a.Id, len(a.data), a.total)
}

// Total is the message's logical length.
func (a *Assembler) Total() int {
	return a.total
}

// Written is the amount of bytes written so far.
func (a *Assembler) Written() int {
	return len(a.data)
}

// Length is the full logical length before the first write. Afterwards, it is the room left in the current fragment,
// which becomes the next fragment's full capacity as soon as a boundary is reached.
func (a *Assembler) Length() int {
	written := len(a.data)
	if written == 0 {
		return a.total
	}

	end := a.fragmentEnd(written)
	if end > a.total {
		end = a.total
	}
	return end - written
}

// fragmentEnd is the end offset of the fragment containing the byte at offset pos.
func (a *Assembler) fragmentEnd(pos int) int {
	if pos < a.firstCap {
		return a.firstCap
	}
	return a.firstCap + ((pos-a.firstCap)/a.restCap+1)*a.restCap
}

// Write appends to the message. Bytes beyond the logical length are refused with ErrFull.
func (a *Assembler) Write(p []byte) (n int, err error) {
	if room := a.total - len(a.data); len(p) > room {
		p = p[:room]
		err = ErrFull
	}

	a.data = append(a.data, p...)
	n = len(p)
	return
}

// Bytes written so far. The slice is owned by the Assembler.
func (a *Assembler) Bytes() []byte {
	return a.data
}

// Copy the written bytes into dest. A dest shorter than the logical length is refused with ErrInsufficientSpace.
func (a *Assembler) Copy(dest []byte) (int, error) {
	if len(dest) < a.total {
		return 0, fmt.Errorf("%w: %d bytes for %d", ErrInsufficientSpace, len(dest), a.total)
	}
	return copy(dest, a.data), nil
}

// Complete reports whether the whole logical length was written.
func (a *Assembler) Complete() bool {
	return len(a.data) == a.total
}

// NextFragment returns the next Fragment of a completely written message or io.EOF after the last one.
func (a *Assembler) NextFragment() (f Fragment, err error) {
	if !a.Complete() {
		err = fmt.Errorf("%v is incomplete", a)
		return
	}
	if a.nextStart >= a.total {
		err = io.EOF
		return
	}

	end := a.fragmentEnd(a.nextStart)
	if end > a.total {
		end = a.total
	}

	f = Fragment{
		Seq:   a.nextSeq,
		Data:  a.data[a.nextStart:end],
		First: a.nextStart == 0,
		More:  end < a.total,
	}

	a.nextStart = end
	a.nextSeq++
	return
}

// Fragments returns all Fragments of a completely written message.
func (a *Assembler) Fragments() (fs []Fragment, err error) {
	a.nextStart, a.nextSeq = 0, 0

	for {
		f, fErr := a.NextFragment()
		if fErr == io.EOF {
			return
		} else if fErr != nil {
			err = fErr
			return
		}
		fs = append(fs, f)
	}
}
