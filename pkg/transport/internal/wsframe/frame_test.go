// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wsframe

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

func randomPayload(t *testing.T, n int) []byte {
	rand.Seed(0)

	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	return data
}

func TestEncodeDecodeLengths(t *testing.T) {
	tests := []struct {
		payloadLen uint64
		headerLen  int
	}{
		{0, 2},
		{1, 2},
		{125, 2},
		{126, 4},
		{65535, 4},
		{65536, 10},
		{65537, 10},
	}

	for _, test := range tests {
		for _, masked := range []bool{false, true} {
			t.Run(fmt.Sprintf("len=%d-masked=%t", test.payloadLen, masked), func(t *testing.T) {
				payload := randomPayload(t, int(test.payloadLen))
				key := [4]byte{0x12, 0x34, 0x56, 0x78}

				frame := make([]byte, MaxHeaderLen+len(payload))
				n, err := Encode(frame, Params{
					PayloadLen:  test.payloadLen,
					Subprotocol: SubprotocolRWF,
					Fin:         true,
					Masked:      masked,
					MaskKey:     key,
					Opcode:      OpNone,
				})
				if err != nil {
					t.Fatal(err)
				}

				expectedHdr := test.headerLen
				if masked {
					expectedHdr += 4
				}
				if n != expectedHdr {
					t.Fatalf("header length is %d, expected %d", n, expectedHdr)
				}
				if hl := HeaderLen(test.payloadLen, masked); hl != n {
					t.Fatalf("HeaderLen returned %d, Encode wrote %d", hl, n)
				}

				copy(frame[n:], payload)
				if masked {
					Mask(frame[n:n+len(payload)], key)
				}
				frame = frame[:n+len(payload)]

				var h Header
				if err := Decode(&h, frame); err != nil {
					t.Fatal(err)
				}

				if h.Partial {
					t.Fatalf("complete frame decoded as partial: %v", h)
				}
				if h.PayloadLen != test.payloadLen {
					t.Fatalf("payload length is %d, expected %d", h.PayloadLen, test.payloadLen)
				}
				if h.HeaderLen != n || h.PayloadStart != n {
					t.Fatalf("header length/payload start %d/%d, expected %d", h.HeaderLen, h.PayloadStart, n)
				}
				if h.Opcode != OpBinary || h.DataType != OpBinary {
					t.Fatalf("opcode %v, data type %v", h.Opcode, h.DataType)
				}
				if h.Masked != masked || (masked && h.MaskKey != key) {
					t.Fatalf("mask mismatch: %v", h)
				}

				body := frame[h.PayloadStart:]
				if h.Masked {
					Mask(body, h.MaskKey)
				}
				if !bytes.Equal(body, payload) {
					t.Fatal("payload differs after decoding")
				}
			})
		}
	}
}

func TestMaskRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 3, 4, 5, 1000} {
		t.Run(fmt.Sprintf("%d", n), func(t *testing.T) {
			data := randomPayload(t, n)
			orig := append([]byte(nil), data...)
			key := NewMaskKey()

			Mask(data, key)
			Mask(data, key)

			if !bytes.Equal(data, orig) {
				t.Fatal("mask(mask(x)) != x")
			}
		})
	}
}

func TestMaskAtChunks(t *testing.T) {
	data := randomPayload(t, 37)
	key := [4]byte{1, 2, 3, 4}

	whole := append([]byte(nil), data...)
	Mask(whole, key)

	chunked := append([]byte(nil), data...)
	MaskAt(chunked[:7], key, 0)
	MaskAt(chunked[7:20], key, 7)
	MaskAt(chunked[20:], key, 20)

	if !bytes.Equal(whole, chunked) {
		t.Fatal("chunked masking differs")
	}
}

func TestDecodeGrowing(t *testing.T) {
	payload := randomPayload(t, 300)
	frame := make([]byte, MaxHeaderLen+len(payload))
	n, err := Encode(frame, Params{
		PayloadLen:  uint64(len(payload)),
		Subprotocol: SubprotocolJSON2,
		Fin:         false,
		Masked:      true,
		MaskKey:     [4]byte{9, 8, 7, 6},
		Opcode:      OpNone,
	})
	if err != nil {
		t.Fatal(err)
	}
	frame = append(frame[:n], payload...)

	var h Header
	for avail := 0; avail <= len(frame); avail++ {
		if err := Decode(&h, frame[:avail]); err != nil {
			t.Fatalf("avail %d: %v", avail, err)
		}

		if avail < len(frame) && !h.Partial {
			t.Fatalf("avail %d of %d is not partial", avail, len(frame))
		}
		if avail >= 1 && !h.Fragment {
			t.Fatalf("avail %d: non-final frame is not a fragment", avail)
		}
		if avail > 1 && avail < n && h.PayloadLen != 0 {
			t.Fatalf("avail %d: extended length %d taken from an incomplete header", avail, h.PayloadLen)
		}
	}

	if h.Partial || h.PayloadLen != uint64(len(payload)) || h.Opcode != OpText {
		t.Fatalf("final decode is wrong: %v", h)
	}
}

func TestControlFrames(t *testing.T) {
	for _, op := range []Opcode{OpClose, OpPing, OpPong} {
		t.Run(op.String(), func(t *testing.T) {
			frame := make([]byte, MaxHeaderLen+2)
			n, err := Encode(frame, Params{
				PayloadLen:  2,
				Subprotocol: SubprotocolJSON2,
				Fin:         true,
				Compressed:  true,
				Opcode:      op,
			})
			if err != nil {
				t.Fatal(err)
			}
			copy(frame[n:], ClosePayload(CloseGoingAway))

			var h Header
			if err := Decode(&h, frame[:n+2]); err != nil {
				t.Fatal(err)
			}

			if !h.Control || h.DataType != 0 || h.Compressed || h.Fragment || h.Opcode != op {
				t.Fatalf("control frame decoded as %v", h)
			}
			if code := CloseCode(frame[h.PayloadStart : h.PayloadStart+2]); code != CloseGoingAway {
				t.Fatalf("close code %d", code)
			}
		})
	}
}

func TestContinuationFrame(t *testing.T) {
	frame := []byte{byte(OpContinuation), 0x01, 0xAA}

	var h Header
	if err := Decode(&h, frame); err != nil {
		t.Fatal(err)
	}

	if h.DataType != 0 || h.Compressed {
		t.Fatalf("continuation frame has data type %v, compressed %t", h.DataType, h.Compressed)
	}
	if !h.Fragment {
		t.Fatal("continuation frame without FIN is not a fragment")
	}
}

func TestCompressedDataFrame(t *testing.T) {
	frame := []byte{0x80 | 0x40 | byte(OpText), 0x00}

	var h Header
	if err := Decode(&h, frame); err != nil {
		t.Fatal(err)
	}
	if !h.Compressed || h.DataType != OpText || h.Fragment {
		t.Fatalf("compressed text frame decoded as %v", h)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"unknown-opcode", []byte{0x83, 0x00}},
		{"rsv2", []byte{0xA2, 0x00}},
		{"rsv3", []byte{0x92, 0x00}},
		{"fragmented-ping", []byte{0x09, 0x00}},
		{"compressed-close", []byte{0xC8, 0x00}},
		{"compressed-continuation", []byte{0xC0, 0x00}},
		{"long-pong", []byte{0x8A, 0x7E, 0x00, 0x7E}},
		{"length-msb", []byte{0x82, 0x7F, 0x80, 0, 0, 0, 0, 0, 0, 1}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var h Header
			if err := Decode(&h, test.frame); !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("expected malformed frame error, got %v", err)
			}
		})
	}
}

func TestEncodeErrors(t *testing.T) {
	if _, err := Encode(make([]byte, 1), Params{PayloadLen: 1, Fin: true, Opcode: OpNone}); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected short buffer, got %v", err)
	}
	if _, err := Encode(make([]byte, 14), Params{PayloadLen: 126, Fin: true, Opcode: OpPing}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected malformed frame, got %v", err)
	}
	if _, err := Encode(make([]byte, 14), Params{Fin: false, Opcode: OpClose}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected malformed frame, got %v", err)
	}
}

func TestSubprotocols(t *testing.T) {
	tests := []struct {
		name string
		sp   Subprotocol
		op   Opcode
	}{
		{"rssl.json.v2", SubprotocolJSON2, OpText},
		{"tr_json2", SubprotocolJSON2, OpText},
		{"rssl.rwf", SubprotocolRWF, OpBinary},
		{" TR_RWF ", SubprotocolRWF, OpBinary},
		{"chat", SubprotocolNone, OpBinary},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			sp := ParseSubprotocol(test.name)
			if sp != test.sp {
				t.Fatalf("parsed %v, expected %v", sp, test.sp)
			}
			if op := sp.DataOpcode(); op != test.op {
				t.Fatalf("data opcode %v, expected %v", op, test.op)
			}
		})
	}

	if s := SubprotocolJSON2.String(); s != "rssl.json.v2" {
		t.Fatalf("canonical name is %s", s)
	}
}
