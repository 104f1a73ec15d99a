// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgs

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/dtn7/ripc-go/pkg/transport/internal/compress"
)

func TestConnectNak(t *testing.T) {
	data := []byte{
		// Length, Opcode:
		0x00, 0x0B, 0x02,
		// Connection Version, RIPC14:
		0x00, 0x00, 0x00, 0x18,
		// Text Length:
		0x00, 0x02,
		// Text:
		0x6E, 0x6F,
	}
	message := NewConnectNak(Version14, "no")

	var buf bytes.Buffer
	if err := message.Marshal(&buf); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(buf.Bytes(), data) {
		t.Fatalf("marshalled %x, expected %x", buf.Bytes(), data)
	}

	var cn ConnectNak
	if err := cn.Unmarshal(bytes.NewBuffer(data)); err != nil {
		t.Fatal(err)
	} else if !reflect.DeepEqual(cn, message) {
		t.Fatalf("unmarshalled %v, expected %v", cn, message)
	}
}

func TestConnectAckRipc12(t *testing.T) {
	data := []byte{
		// Length, Opcode:
		0x00, 0x0F, 0x01,
		// Connection Version, RIPC12:
		0x00, 0x00, 0x00, 0x16,
		// Max User Message Size, 6144:
		0x18, 0x00,
		// Ping Timeout, Session Flags:
		0x3C, 0x03,
		// Major, Minor:
		0x0E, 0x01,
		// Compression Type LZ4, Level:
		0x02, 0x00,
	}
	message := ConnectAck{
		Version:          Version12,
		MaxUserMsgSize:   6144,
		PingTimeout:      60,
		SessionFlags:     ClientToServerPing | ServerToClientPing,
		MajorVersion:     14,
		MinorVersion:     1,
		CompressionType:  compress.LZ4,
		CompressionLevel: 0,
		// Dropped for RIPC12.
		ComponentVersion: "ignored",
	}

	var buf bytes.Buffer
	if err := message.Marshal(&buf); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(buf.Bytes(), data) {
		t.Fatalf("marshalled %x, expected %x", buf.Bytes(), data)
	}

	var ca ConnectAck
	if err := ca.Unmarshal(bytes.NewBuffer(data)); err != nil {
		t.Fatal(err)
	}

	message.ComponentVersion = ""
	if !reflect.DeepEqual(ca, message) {
		t.Fatalf("unmarshalled %v, expected %v", ca, message)
	}
}

func TestConnectRequestRoundTrip(t *testing.T) {
	tests := []ConnectRequest{
		{
			Version:          Version14,
			Compression:      NewCompressionBitmap(compress.Zlib, compress.LZ4),
			PingTimeout:      60,
			SessionFlags:     ClientToServerPing,
			ProtocolType:     0,
			MajorVersion:     14,
			MinorVersion:     1,
			HostName:         "localhost",
			IPAddress:        "127.0.0.1",
			ComponentVersion: "ripc-go",
		},
		{
			Version:      Version12,
			Compression:  NewCompressionBitmap(),
			PingTimeout:  30,
			ProtocolType: 2,
			MajorVersion: 1,
		},
	}

	for _, test := range tests {
		t.Run(test.Version.String(), func(t *testing.T) {
			var buf bytes.Buffer
			if err := test.Marshal(&buf); err != nil {
				t.Fatal(err)
			}

			if l, ok := MessageLen(buf.Bytes()); !ok || l != buf.Len() {
				t.Fatalf("announced length %d, marshalled %d bytes", l, buf.Len())
			}

			msg, err := ReadMessage(&buf)
			if err != nil {
				t.Fatal(err)
			}

			cr, ok := msg.(*ConnectRequest)
			if !ok {
				t.Fatalf("read message has type %T", msg)
			} else if !reflect.DeepEqual(*cr, test) {
				t.Fatalf("read %v, expected %v", *cr, test)
			}
		})
	}
}

func TestConnectRequestComponentTruncated(t *testing.T) {
	cr := ConnectRequest{
		Version:          Version13,
		ComponentVersion: strings.Repeat("x", 300),
	}

	var buf bytes.Buffer
	if err := cr.Marshal(&buf); err != nil {
		t.Fatal(err)
	}

	var parsed ConnectRequest
	if err := parsed.Unmarshal(&buf); err != nil {
		t.Fatal(err)
	} else if l := len(parsed.ComponentVersion); l != MaxComponentVersionLen {
		t.Fatalf("component version has %d bytes", l)
	}
}

func TestReadMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"unknown-opcode", []byte{0x00, 0x03, 0x7F}},
		{"truncated", []byte{0x00, 0x0B, 0x02, 0x00, 0x00}},
		{"short-length", []byte{0x00, 0x02, 0x02}},
		{"trailing-bytes", []byte{0x00, 0x0C, 0x02, 0x00, 0x00, 0x00, 0x18, 0x00, 0x02, 0x6E, 0x6F, 0xFF}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if msg, err := ReadMessage(bytes.NewBuffer(test.data)); err == nil {
				t.Fatalf("expected an error, got %v", msg)
			}
		})
	}
}

func TestCompressionBitmap(t *testing.T) {
	cb := NewCompressionBitmap(compress.LZ4)

	if !cb.Offers(compress.None) || !cb.Offers(compress.LZ4) || cb.Offers(compress.Zlib) {
		t.Fatalf("bitmap %08b offers the wrong types", uint8(cb))
	}
}

func TestFragmentHeaders(t *testing.T) {
	for _, v := range []ConnVersion{Version12, Version14} {
		t.Run(v.String(), func(t *testing.T) {
			b := make([]byte, 16)

			n := PutFragmentHeader(b, v, 1000, FlagData, 70000, 0x0102)
			if n != FragmentHeaderLen(v) {
				t.Fatalf("fragment header length %d", n)
			}
			if Flags(b[2])&FlagHasOptional == 0 || ExtFlags(b[3]) != ExtFragmentHeader {
				t.Fatalf("flags %v, extended flags %v", Flags(b[2]), ExtFlags(b[3]))
			}

			expectedId := uint16(0x0102)
			if v == Version12 {
				expectedId = 0x02
			}
			if id := FragId(b[8:], v); id != expectedId {
				t.Fatalf("fragment id %x, expected %x", id, expectedId)
			}

			n = PutFragment(b, v, 1000, FlagData, 0x0102)
			if n != FragmentLen(v) || ExtFlags(b[3]) != ExtFragment {
				t.Fatalf("fragment length %d, extended flags %v", n, ExtFlags(b[3]))
			}
		})
	}
}
