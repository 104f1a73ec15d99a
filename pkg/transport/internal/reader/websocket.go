// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package reader

import (
	"fmt"

	"github.com/dtn7/ripc-go/pkg/transport/internal/bigbuf"
	"github.com/dtn7/ripc-go/pkg/transport/internal/framing"
	"github.com/dtn7/ripc-go/pkg/transport/internal/wsframe"
)

// wsReader interprets complete WebSocket frames, answers control frames and joins continuations.
type wsReader struct {
	e      *Engine
	framer *framing.WebSocket

	// cont is the fragmented message in progress.
	cont *bigbuf.Incoming
}

func newWSReader(e *Engine, framer *framing.WebSocket) *wsReader {
	return &wsReader{
		e:      e,
		framer: framer,
	}
}

func (w *wsReader) process(unit []byte, u framing.Unit) (Result, bool, error) {
	h := u.Frame
	payload := unit[u.HeaderLen:]
	if h.Masked {
		wsframe.Mask(payload, h.MaskKey)
	}

	switch h.Opcode {
	case wsframe.OpPing:
		reply, err := w.framer.Control(wsframe.OpPong, payload)
		return Result{Status: Ping, Reply: reply}, err == nil, err

	case wsframe.OpPong:
		return Result{Status: Ping}, true, nil

	case wsframe.OpClose:
		code := wsframe.CloseCode(payload)
		reply, err := w.framer.Control(wsframe.OpClose, wsframe.ClosePayload(wsframe.CloseGoingAway))
		w.e.log().WithField("code", code).Debug("Received WebSocket CLOSE")
		return Result{Status: EndOfStream, Reply: reply, CloseCode: code}, err == nil, err

	case wsframe.OpText, wsframe.OpBinary:
		if w.cont != nil {
			return Result{}, false, fmt.Errorf("%w: %v frame within a fragmented message", ErrMalformedFrame, h.Opcode)
		}
		if h.Compressed && !w.framer.Deflate {
			return Result{}, false, fmt.Errorf("%w: compressed frame without permessage-deflate", ErrMalformedFrame)
		}

		if !h.Fragment {
			return w.complete(payload, h.Compressed)
		}

		// JSON messages tend to be split into many frames.
		prealloc := 2 * len(payload)
		if w.framer.Subprotocol == wsframe.SubprotocolJSON2 {
			prealloc = 10 * len(payload)
		}

		in, err := bigbuf.NewIncoming(0, 0, w.e.conf.MaxMessageLen, prealloc)
		if err != nil {
			return Result{}, false, err
		}
		in.Compressed = h.Compressed

		if err := in.Append(payload, false); err != nil {
			return Result{}, false, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		w.cont = in
		return Result{}, false, nil

	case wsframe.OpContinuation:
		if w.cont == nil {
			return Result{}, false, fmt.Errorf("%w: continuation without a fragmented message", ErrMalformedFrame)
		}

		if err := w.cont.Append(payload, h.Fin); err != nil {
			return Result{}, false, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		} else if !h.Fin {
			return Result{}, false, nil
		}

		in := w.cont
		w.cont = nil
		msg, _ := in.Bytes()
		return w.complete(msg, in.Compressed)

	default:
		return Result{}, false, fmt.Errorf("%w: unexpected opcode %v", ErrMalformedFrame, h.Opcode)
	}
}

func (w *wsReader) complete(msg []byte, compressed bool) (Result, bool, error) {
	if compressed {
		out, err := w.e.decompress(msg)
		if err != nil {
			return Result{}, false, err
		}
		msg = out
	}

	if w.framer.IsPing(msg) {
		return Result{Status: Ping}, true, nil
	}
	return Result{Status: ReadData, Msg: msg}, true, nil
}
