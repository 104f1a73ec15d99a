// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ripc-go/pkg/transport/internal/reader"
)

// Event is the kind of a Delivery.
type Event uint8

const (
	// EventData delivers one complete application message.
	EventData Event = iota
	// EventPing reports the peer's keepalive. Any required answer was already sent.
	EventPing
	// EventClose reports that the peer closed the channel; the Channel is Inactive afterwards.
	EventClose
)

func (e Event) String() string {
	switch e {
	case EventData:
		return "data"
	case EventPing:
		return "ping"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Delivery is the outcome of a successful Read.
type Delivery struct {
	Event Event

	// Data of an EventData. It is only valid until the next Read call and must be copied to be kept.
	Data []byte
	// More is set if further messages are already buffered and Read should be called again without waiting for the
	// socket.
	More bool

	// CloseCode of an EventClose received over WebSocket.
	CloseCode uint16
}

func (d Delivery) String() string {
	return fmt.Sprintf("DELIVERY(%v, %d bytes, more=%t)", d.Event, len(d.Data), d.More)
}

// Read the next message or event. ErrWouldBlock is returned if the socket has no more bytes for now; io.EOF if the
// peer closed the connection without a WebSocket CLOSE.
func (ch *Channel) Read() (Delivery, error) {
	if ch.State() != Active {
		return Delivery{}, ErrChannelInactive
	}

	n := 0
	for {
		res, err := ch.engine.Advance(ch.rbuf, n)
		n = 0

		if errors.Is(err, reader.ErrClosed) {
			ch.shutdown(nil)
			return Delivery{}, io.EOF
		} else if err != nil {
			return Delivery{}, ch.fail(err)
		}

		switch res.Status {
		case reader.ReadData:
			atomic.AddUint64(&ch.stats.MessagesRead, 1)
			atomic.AddUint64(&ch.stats.UncompressedBytesRead, uint64(len(res.Msg)))
			return Delivery{Event: EventData, Data: res.Msg, More: res.More}, nil

		case reader.Ping:
			atomic.AddUint64(&ch.stats.PingsReceived, 1)
			if len(res.Reply) > 0 {
				ch.enqueue(res.Reply)
				if _, err := ch.Flush(); err != nil {
					return Delivery{}, err
				}
			}
			return Delivery{Event: EventPing, More: res.More}, nil

		case reader.EndOfStream:
			if len(res.Reply) > 0 {
				ch.enqueue(res.Reply)
				_, _ = ch.flush()
			}
			ch.log().WithField("code", res.CloseCode).Debug("Peer closed the channel")
			ch.shutdown(nil)
			return Delivery{Event: EventClose, CloseCode: res.CloseCode}, nil

		case reader.InsufficientBuffer:
			if err := ch.reclaim(res.Need); err != nil {
				return Delivery{}, ch.fail(err)
			}

		default:
			if n, err = ch.fill(); err != nil {
				return Delivery{}, err
			}
		}
	}
}

// reclaim room in the read buffer through the growth policy.
func (ch *Channel) reclaim(need int) error {
	if !ch.growth.Reclaim(ch.rbuf, need) {
		return fmt.Errorf("%w: %d more bytes needed, %v cannot provide them for %v",
			ErrInsufficientBuffer, need, ch.growth, ch.rbuf)
	}

	atomic.StoreInt64(&ch.rbufCap, int64(ch.rbuf.Cap()))
	ch.log().WithFields(log.Fields{
		"need":   need,
		"buffer": ch.rbuf,
	}).Debug("Reclaimed read buffer space")
	return nil
}

// fill reads from the socket into the read buffer's free region. Zero bytes are never returned without an error.
func (ch *Channel) fill() (int, error) {
	if len(ch.rbuf.Free()) == 0 {
		if err := ch.reclaim(1); err != nil {
			return 0, ch.fail(err)
		}
	}

	n, err := ch.sock.Read(ch.rbuf.Free())
	if n > 0 {
		atomic.AddUint64(&ch.stats.BytesRead, uint64(n))
		return n, nil
	}

	switch {
	case err == nil, errors.Is(err, ErrWouldBlock):
		return 0, ErrWouldBlock

	case errors.Is(err, io.EOF):
		ch.log().Debug("Peer closed the connection")
		ch.shutdown(nil)
		return 0, io.EOF

	default:
		return 0, ch.fail(err)
	}
}
