// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgs

import (
	"bytes"
	"fmt"
	"io"
)

// CONNECT_NAK is the opcode of a ConnectNak.
const CONNECT_NAK uint8 = 0x02

// ConnectNak rejects a ConnectRequest. The Text explains why.
type ConnectNak struct {
	Version ConnVersion
	Text    string
}

// NewConnectNak creates a ConnectNak with a reason.
func NewConnectNak(version ConnVersion, text string) ConnectNak {
	return ConnectNak{
		Version: version,
		Text:    text,
	}
}

func (cn ConnectNak) String() string {
	return fmt.Sprintf("CONNECT_NAK(version=%v, text=%q)", cn.Version, cn.Text)
}

func (cn ConnectNak) Marshal(w io.Writer) error {
	var buf = new(bytes.Buffer)

	text := cn.Text
	if len(text) > 0xFF00 {
		text = text[:0xFF00]
	}

	if err := writeFields(buf, uint32(cn.Version), uint16(len(text))); err != nil {
		return err
	}
	buf.WriteString(text)

	return marshalFrame(w, CONNECT_NAK, buf.Bytes())
}

func (cn *ConnectNak) Unmarshal(r io.Reader) error {
	buf, err := unmarshalFrame(r, CONNECT_NAK)
	if err != nil {
		return err
	}

	var version uint32
	var textLen uint16
	if err := readFields(buf, &version, &textLen); err != nil {
		return err
	}
	cn.Version = ConnVersion(version)

	var text = make([]byte, textLen)
	if _, err := io.ReadFull(buf, text); err != nil {
		return fmt.Errorf("CONNECT_NAK's text is truncated: %w", err)
	}
	cn.Text = string(text)

	return expectEmpty("CONNECT_NAK", buf)
}
