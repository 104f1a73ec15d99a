// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bigbuf

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

func testGetRandomData(size int) []byte {
	payload := make([]byte, size)

	rand.Seed(0)
	rand.Read(payload)

	return payload
}

func TestAssemblerLength(t *testing.T) {
	const firstCap, restCap = 100, 120
	const total = firstCap + restCap + 50

	a, err := NewAssembler(1, total, firstCap, restCap)
	if err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		write  int
		length int
	}{
		{0, total},
		{firstCap - 1, 1},
		{1, restCap},
		{restCap - 1, 1},
		{1, 50},
		{49, 1},
		{1, 0},
	}

	for i, step := range steps {
		if _, err := a.Write(make([]byte, step.write)); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if l := a.Length(); l != step.length {
			t.Fatalf("step %d: length is %d, expected %d", i, l, step.length)
		}
	}

	if !a.Complete() {
		t.Fatal("assembler is not complete")
	}
	if n, err := a.Write([]byte{0x00}); !errors.Is(err, ErrFull) || n != 0 {
		t.Fatalf("writing to a full assembler: %d, %v", n, err)
	}
}

func TestAssemblerCopy(t *testing.T) {
	data := testGetRandomData(1000)

	a, err := NewAssembler(1, len(data), 300, 300)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Write(data); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Copy(make([]byte, len(data)-1)); !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("expected insufficient space, got %v", err)
	}

	dest := make([]byte, len(data)+10)
	if n, err := a.Copy(dest); err != nil {
		t.Fatal(err)
	} else if n != len(data) || !bytes.Equal(dest[:n], data) {
		t.Fatalf("copied %d bytes, which differ", n)
	}
}

func TestAssemblerFragments(t *testing.T) {
	tests := []struct {
		total, firstCap, restCap int
		sizes                    []int
	}{
		{10, 10, 10, []int{10}},
		{11, 10, 10, []int{10, 1}},
		{250, 90, 100, []int{90, 100, 60}},
		{290, 90, 100, []int{90, 100, 100}},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("%d-%d-%d", test.total, test.firstCap, test.restCap), func(t *testing.T) {
			data := testGetRandomData(test.total)

			a, err := NewAssembler(23, test.total, test.firstCap, test.restCap)
			if err != nil {
				t.Fatal(err)
			}

			if _, err := a.NextFragment(); err == nil {
				t.Fatal("incomplete assembler returned a fragment")
			}
			if _, err := a.Write(data); err != nil {
				t.Fatal(err)
			}

			fs, err := a.Fragments()
			if err != nil {
				t.Fatal(err)
			} else if len(fs) != len(test.sizes) {
				t.Fatalf("got %d fragments, expected %d", len(fs), len(test.sizes))
			}

			in, err := NewIncoming(a.Id, test.total, test.total, 0)
			if err != nil {
				t.Fatal(err)
			}

			for i, f := range fs {
				if len(f.Data) != test.sizes[i] || f.Seq != i || f.First != (i == 0) || f.More != (i < len(fs)-1) {
					t.Fatalf("fragment %d is %v", i, f)
				}
				if err := in.Append(f.Data, !f.More); err != nil {
					t.Fatal(err)
				}
			}

			if out, err := in.Bytes(); err != nil {
				t.Fatal(err)
			} else if !bytes.Equal(out, data) {
				t.Fatal("reassembled message differs")
			}
		})
	}
}

func TestIncomingUnknownLength(t *testing.T) {
	in, err := NewIncoming(0, 0, 64, 4)
	if err != nil {
		t.Fatal(err)
	}

	for i, part := range []string{"con", "tinu", "ation"} {
		if in.IsFinished() {
			t.Fatalf("finished after %d parts", i)
		}
		if err := in.Append([]byte(part), i == 2); err != nil {
			t.Fatal(err)
		}
	}

	if out, err := in.Bytes(); err != nil {
		t.Fatal(err)
	} else if string(out) != "continuation" {
		t.Fatalf("reassembled %q", out)
	}

	if err := in.Append([]byte("x"), true); err == nil {
		t.Fatal("appended to a finished message")
	}
}

func TestIncomingLimits(t *testing.T) {
	if _, err := NewIncoming(0, 100, 99, 0); err == nil {
		t.Fatal("expected length above the limit was accepted")
	}

	in, _ := NewIncoming(0, 0, 8, 0)
	if err := in.Append(make([]byte, 9), false); err == nil {
		t.Fatal("exceeding the limit was accepted")
	}

	in, _ = NewIncoming(0, 8, 8, 0)
	if err := in.Append(make([]byte, 4), true); err == nil {
		t.Fatal("early end was accepted")
	}
	if _, err := in.Bytes(); err == nil {
		t.Fatal("unfinished message returned its bytes")
	}
}

func TestIncomingPrealloc(t *testing.T) {
	in, err := NewIncoming(1, 16<<20, 16<<20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if cap(in.buf) > MaxPrealloc {
		t.Fatalf("announced length reserved %d bytes", cap(in.buf))
	}

	data := testGetRandomData(16 << 20)
	for off := 0; off < len(data); off += 60000 {
		end := off + 60000
		if end > len(data) {
			end = len(data)
		}
		if err := in.Append(data[off:end], end == len(data)); err != nil {
			t.Fatal(err)
		}
	}

	if out, err := in.Bytes(); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(out, data) {
		t.Fatal("reassembled message differs")
	} else if cap(in.buf) != len(data) {
		t.Fatalf("buffer grew beyond the expected length to %d bytes", cap(in.buf))
	}
}
