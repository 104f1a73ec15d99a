// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package framing

import (
	"fmt"
	"math"

	"github.com/dtn7/ripc-go/pkg/transport/internal/msgs"
	"github.com/dtn7/ripc-go/pkg/transport/internal/wsframe"
)

// JSONPing is the keepalive message of the JSON subprotocol.
var JSONPing = []byte(`[{"Type":"Ping"}]`)

// WebSocket frames messages as RFC 6455 frames. A client masks its frames and expects unmasked frames from the
// server; a server requires masked frames.
type WebSocket struct {
	Subprotocol wsframe.Subprotocol
	Client      bool
	// Deflate is set if permessage-deflate was negotiated.
	Deflate bool
}

// NewWebSocket creates a WebSocket Framer for one side of a connection.
func NewWebSocket(sp wsframe.Subprotocol, client, deflate bool) *WebSocket {
	return &WebSocket{
		Subprotocol: sp,
		Client:      client,
		Deflate:     deflate,
	}
}

func (ws *WebSocket) framer() {}

func (ws *WebSocket) String() string {
	side := "server"
	if ws.Client {
		side = "client"
	}
	return fmt.Sprintf("websocket(%v, %s, deflate=%t)", ws.Subprotocol, side, ws.Deflate)
}

func (ws *WebSocket) Scan(b []byte) (u Unit, err error) {
	if err = wsframe.Decode(&u.Frame, b); err != nil {
		return
	}
	u.HeaderLen = u.Frame.HeaderLen

	if len(b) >= wsframe.MinHeaderLen && u.Frame.Masked == ws.Client {
		if ws.Client {
			err = fmt.Errorf("%w: server sent a masked frame", ErrMalformed)
		} else {
			err = fmt.Errorf("%w: client sent an unmasked frame", ErrMalformed)
		}
		return
	}

	if len(b) < u.Frame.HeaderLen {
		return
	}

	if u.Frame.FrameLen() > math.MaxInt32 {
		err = fmt.Errorf("%w: frame of %d bytes", errTooLarge, u.Frame.FrameLen())
		return
	}

	u.Known = true
	u.Len = int(u.Frame.FrameLen())
	return
}

func (ws *WebSocket) HeaderLen(s Segment) int {
	return wsframe.HeaderLen(uint64(len(s.Payload)), ws.Client)
}

func (ws *WebSocket) Append(dst []byte, s Segment) ([]byte, error) {
	p := wsframe.Params{
		PayloadLen:  uint64(len(s.Payload)),
		Subprotocol: ws.Subprotocol,
		Fin:         !s.Fragmented || !s.More,
		Opcode:      wsframe.OpNone,
	}

	if s.Fragmented && !s.First {
		p.Opcode = wsframe.OpContinuation
	}
	// RSV1 belongs to the first frame of a message only.
	if s.Compressed && (!s.Fragmented || s.First) {
		p.Compressed = true
	}

	return ws.appendFrame(dst, p, s.Payload)
}

func (ws *WebSocket) appendFrame(dst []byte, p wsframe.Params, payload []byte) ([]byte, error) {
	if ws.Client {
		p.Masked = true
		p.MaskKey = wsframe.NewMaskKey()
	}

	var hdr [wsframe.MaxHeaderLen]byte
	n, err := wsframe.Encode(hdr[:], p)
	if err != nil {
		return dst, err
	}

	dst = append(dst, hdr[:n]...)
	start := len(dst)
	dst = append(dst, payload...)

	if p.Masked {
		wsframe.Mask(dst[start:], p.MaskKey)
	}
	return dst, nil
}

func (ws *WebSocket) FragmentCapacity(maxUnit int) (first, rest int) {
	c := maxUnit - wsframe.HeaderLen(uint64(maxUnit), ws.Client)
	return c, c
}

// Ping returns a data frame carrying the subprotocol's keepalive message.
func (ws *WebSocket) Ping() []byte {
	payload := msgs.PingBytes
	if ws.Subprotocol == wsframe.SubprotocolJSON2 {
		payload = JSONPing
	}

	b, _ := ws.appendFrame(nil, wsframe.Params{
		PayloadLen:  uint64(len(payload)),
		Subprotocol: ws.Subprotocol,
		Fin:         true,
		Opcode:      wsframe.OpNone,
	}, payload)
	return b
}

// IsPing reports whether a complete data message is the subprotocol's keepalive message.
func (ws *WebSocket) IsPing(msg []byte) bool {
	if ws.Subprotocol == wsframe.SubprotocolJSON2 {
		return string(msg) == string(JSONPing)
	}
	return string(msg) == string(msgs.PingBytes)
}

// Control returns a control frame, e.g., a PONG answering a PING's payload.
func (ws *WebSocket) Control(op wsframe.Opcode, payload []byte) ([]byte, error) {
	return ws.appendFrame(nil, wsframe.Params{
		PayloadLen: uint64(len(payload)),
		Fin:        true,
		Opcode:     op,
	}, payload)
}
