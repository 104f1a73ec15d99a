// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package msgs contains the RIPC wire format: the data message header and the handshake messages.
package msgs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
)

// Message describes the RIPC handshake messages, which have their serialization and deserialization in common.
//
// Each message starts with its 2-byte total length and a 1-byte opcode.
type Message interface {
	Marshal(w io.Writer) error
	Unmarshal(r io.Reader) error
}

// messages maps the handshake opcodes to an example instance of their type.
var messages = map[uint8]Message{
	CONNECT_REQ: &ConnectRequest{},
	CONNECT_ACK: &ConnectAck{},
	CONNECT_NAK: &ConnectNak{},
}

// NewMessage creates a new Message type for a given opcode.
func NewMessage(opcode uint8) (msg Message, err error) {
	msgType, exists := messages[opcode]
	if !exists {
		err = fmt.Errorf("no RIPC handshake message registered for opcode %x", opcode)
		return
	}

	msgElem := reflect.TypeOf(msgType).Elem()
	msg = reflect.New(msgElem).Interface().(Message)
	return
}

// ReadMessage parses the next RIPC handshake message from the Reader.
func ReadMessage(r io.Reader) (msg Message, err error) {
	prefix := make([]byte, 3)
	if _, prefixErr := io.ReadFull(r, prefix); prefixErr != nil {
		err = prefixErr
		return
	}

	msg, msgErr := NewMessage(prefix[2])
	if msgErr != nil {
		err = msgErr
		return
	}

	mr := io.MultiReader(bytes.NewBuffer(prefix), r)

	err = msg.Unmarshal(mr)
	return
}

// MessageLen peeks the announced total length of a buffered message, false if less than two bytes are available.
func MessageLen(b []byte) (int, bool) {
	if len(b) < 2 {
		return 0, false
	}
	return int(binary.BigEndian.Uint16(b)), true
}

// marshalFrame prefixes a body with the total length and the opcode and writes it.
func marshalFrame(w io.Writer, opcode uint8, body []byte) error {
	total := 3 + len(body)
	if total > 0xFFFF {
		return fmt.Errorf("RIPC message of %d bytes exceeds the 16-bit length", total)
	}

	data := make([]byte, 0, total)
	data = append(data, byte(total>>8), byte(total), opcode)
	data = append(data, body...)

	if n, err := w.Write(data); err != nil {
		return err
	} else if n != len(data) {
		return fmt.Errorf("wrote %d octets instead of %d", n, len(data))
	}
	return nil
}

// unmarshalFrame reads one length-prefixed message, checks its opcode and returns its body.
func unmarshalFrame(r io.Reader, opcode uint8) (*bytes.Reader, error) {
	var prefix = make([]byte, 3)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}

	total := int(binary.BigEndian.Uint16(prefix))
	if total < 3 {
		return nil, fmt.Errorf("RIPC message length %d is shorter than its header", total)
	} else if prefix[2] != opcode {
		return nil, fmt.Errorf("RIPC opcode is wrong: %x instead of %x", prefix[2], opcode)
	}

	var body = make([]byte, total-3)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return bytes.NewReader(body), nil
}

func writeFields(buf *bytes.Buffer, fields ...interface{}) error {
	for _, field := range fields {
		if err := binary.Write(buf, binary.BigEndian, field); err != nil {
			return err
		}
	}
	return nil
}

func readFields(buf *bytes.Reader, fields ...interface{}) error {
	for _, field := range fields {
		if err := binary.Read(buf, binary.BigEndian, field); err != nil {
			return err
		}
	}
	return nil
}

func writeString8(buf *bytes.Buffer, s string) error {
	if len(s) > 0xFF {
		return fmt.Errorf("string of %d bytes exceeds its 8-bit length field", len(s))
	}

	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
	return nil
}

func readString8(buf *bytes.Reader) (string, error) {
	l, err := buf.ReadByte()
	if err != nil {
		return "", err
	}

	var data = make([]byte, l)
	if _, err := io.ReadFull(buf, data); err != nil {
		return "", fmt.Errorf("string of %d bytes is truncated: %w", l, err)
	}
	return string(data), nil
}

func expectEmpty(name string, buf *bytes.Reader) error {
	if n := buf.Len(); n > 0 {
		return fmt.Errorf("%s's buffer should be empty; has %d octets", name, n)
	}
	return nil
}
