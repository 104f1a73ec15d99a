// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package reader

import (
	"bytes"
	"testing"
)

func TestBufferCursors(t *testing.T) {
	b := NewBuffer(8)

	if n := b.Fill([]byte("0123456789")); n != 8 {
		t.Fatalf("filled %d bytes", n)
	} else if len(b.Free()) != 0 {
		t.Fatalf("free region of a full buffer: %d", len(b.Free()))
	}
	if err := b.Commit(1); err == nil {
		t.Fatal("committed beyond the capacity")
	}

	b.advance(5)
	b.release()
	if !bytes.Equal(b.Pending(), []byte("567")) || b.Buffered() != 3 {
		t.Fatalf("pending %q", b.Pending())
	}

	b.Compact()
	if !bytes.Equal(b.Pending(), []byte("567")) || len(b.Free()) != 5 {
		t.Fatalf("after compaction: %v", b)
	}

	b.advance(3)
	b.release()
	if b.Buffered() != 0 || len(b.Free()) != 8 {
		t.Fatalf("drained buffer was not rewound: %v", b)
	}
}

func TestBufferCompactKeepsDelivered(t *testing.T) {
	b := NewBuffer(8)
	b.Fill([]byte("abcdef"))

	// Delivered, but not yet released bytes must not be overwritten.
	b.advance(2)
	b.Compact()
	if !bytes.Equal(b.Pending(), []byte("cdef")) || len(b.Free()) != 2 {
		t.Fatalf("compaction moved unreleased data: %v", b)
	}
}

func TestBufferGrow(t *testing.T) {
	b := NewBuffer(4)
	b.Fill([]byte("abcd"))
	b.advance(1)
	b.release()

	b.Grow(16)
	if b.Cap() != 16 || !bytes.Equal(b.Pending(), []byte("bcd")) || len(b.Free()) != 13 {
		t.Fatalf("after growth: %v", b)
	}

	b.Grow(8)
	if b.Cap() != 16 {
		t.Fatalf("buffer shrank to %d", b.Cap())
	}
}

func TestParseGrowthPolicy(t *testing.T) {
	if p, err := ParseGrowthPolicy("", 0); err != nil {
		t.Fatal(err)
	} else if _, ok := p.(CompactOnly); !ok {
		t.Fatalf("default policy is %T", p)
	}

	if p, err := ParseGrowthPolicy("doubling", 1024); err != nil {
		t.Fatal(err)
	} else if d, ok := p.(Doubling); !ok || d.Max != 1024 {
		t.Fatalf("doubling policy is %v", p)
	}

	if _, err := ParseGrowthPolicy("tripling", 0); err == nil {
		t.Fatal("unknown policy was accepted")
	}
}
