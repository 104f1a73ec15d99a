// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ripc-go/pkg/transport/internal/bigbuf"
	"github.com/dtn7/ripc-go/pkg/transport/internal/framing"
	"github.com/dtn7/ripc-go/pkg/transport/internal/msgs"
)

var errBufferReleased = errors.New("write buffer was already written or released")

// WriteBuffer is one outgoing message, obtained by GetBuffer and handed back by Write or Release. It is an io.Writer.
//
// A message exceeding the channel's fragment size is backed by a big buffer and sent as a fragmented message. A
// packed buffer holds multiple RIPC sub-messages, separated by Pack.
type WriteBuffer struct {
	ch   *Channel
	size int

	data   []byte
	limit  int
	packed bool
	// sub is the offset of the current packed sub-message's length field.
	sub int

	big  *bigbuf.Assembler
	done bool
}

func (wb *WriteBuffer) String() string {
	switch {
	case wb.big != nil:
		return fmt.Sprintf("WRITE_BUFFER(%v)", wb.big)
	case wb.packed:
		return fmt.Sprintf("WRITE_BUFFER(packed, %d/%d bytes)", len(wb.data), wb.limit)
	default:
		return fmt.Sprintf("WRITE_BUFFER(%d/%d bytes)", len(wb.data), wb.limit)
	}
}

// Write appends to the message. Bytes beyond the requested size are refused with ErrInsufficientBuffer.
func (wb *WriteBuffer) Write(p []byte) (int, error) {
	if wb.done {
		return 0, errBufferReleased
	}

	if wb.big != nil {
		n, err := wb.big.Write(p)
		if errors.Is(err, bigbuf.ErrFull) {
			err = fmt.Errorf("%w: big buffer of %d bytes is full", ErrInsufficientBuffer, wb.size)
		}
		return n, err
	}

	room := wb.limit - len(wb.data)
	if len(p) > room {
		wb.data = append(wb.data, p[:room]...)
		return room, fmt.Errorf("%w: %d bytes exceed the remaining %d bytes", ErrInsufficientBuffer, len(p), room)
	}

	wb.data = append(wb.data, p...)
	return len(p), nil
}

// Length is the room left for writing. For big buffers, this is the room left in the current fragment once writing
// has started.
func (wb *WriteBuffer) Length() int {
	if wb.big != nil {
		return wb.big.Length()
	}
	return wb.limit - len(wb.data)
}

// Pack finishes the current sub-message of a packed buffer and starts the next one.
func (wb *WriteBuffer) Pack() error {
	if wb.done {
		return errBufferReleased
	} else if !wb.packed {
		return fmt.Errorf("%v is not packed", wb)
	}

	if wb.Length() < msgs.PackedHeaderLen {
		return fmt.Errorf("%w: no room for another packed sub-message", ErrInsufficientBuffer)
	}

	wb.seal()
	wb.sub = len(wb.data)
	wb.data = append(wb.data, 0, 0)
	return nil
}

// seal writes the current sub-message's length field.
func (wb *WriteBuffer) seal() {
	binary.BigEndian.PutUint16(wb.data[wb.sub:], uint16(len(wb.data)-wb.sub-msgs.PackedHeaderLen))
}

// payload is the message to be sent. An empty trailing sub-message of a packed buffer is dropped.
func (wb *WriteBuffer) payload() []byte {
	if !wb.packed {
		return wb.data
	}

	if len(wb.data)-wb.sub == msgs.PackedHeaderLen {
		return wb.data[:wb.sub]
	}
	wb.seal()
	return wb.data
}

// Release returns an unwritten WriteBuffer to its Channel.
func (wb *WriteBuffer) Release() {
	if wb.done {
		return
	}

	wb.done = true
	wb.data = nil
	wb.big = nil
	if !wb.ch.closed {
		atomic.AddInt32(&wb.ch.buffers, -1)
	}
}

// GetBuffer reserves a WriteBuffer for a message of size bytes. Messages larger than MaxFragmentSize become big
// buffers, sent as fragmented messages. ErrNoBuffers is returned if all guaranteed output buffers are in use, either
// as reserved WriteBuffers or as wire units waiting to be flushed.
func (ch *Channel) GetBuffer(size int, packed bool) (*WriteBuffer, error) {
	if ch.State() != Active {
		return nil, ErrChannelInactive
	}

	switch {
	case size <= 0:
		return nil, fmt.Errorf("write buffer needs a positive size, not %d", size)
	case size > ch.opts.MaxMessageSize:
		return nil, fmt.Errorf("message of %d bytes exceeds the maximum of %d bytes", size, ch.opts.MaxMessageSize)
	case packed && !ch.isRIPC():
		return nil, fmt.Errorf("packed messages are only supported on RIPC channels")
	case packed && size > ch.maxPayload:
		return nil, fmt.Errorf("packed message of %d bytes exceeds the fragment size of %d bytes", size, ch.maxPayload)
	}

	if ch.BufferUsage() >= ch.opts.GuaranteedOutputBuffers {
		return nil, ErrNoBuffers
	}

	wb := &WriteBuffer{ch: ch, size: size}

	switch {
	case size > ch.maxPayload:
		first, rest := ch.framer.FragmentCapacity(ch.writeUnit)

		big, err := bigbuf.NewAssembler(ch.nextFragmentId(), size, first, rest)
		if err != nil {
			return nil, err
		}
		wb.big = big

	case packed:
		// The first length field uses the reserve kept off the fragment size.
		wb.packed = true
		wb.limit = size + msgs.PackedHeaderLen
		wb.data = make([]byte, msgs.PackedHeaderLen, wb.limit)

	default:
		wb.limit = size
		wb.data = make([]byte, 0, size)
	}

	atomic.AddInt32(&ch.buffers, 1)
	return wb, nil
}

// BufferUsage is the amount of output buffers in use, reserved WriteBuffers and queued wire units.
func (ch *Channel) BufferUsage() int {
	return int(atomic.LoadInt32(&ch.buffers))
}

func (ch *Channel) isRIPC() bool {
	_, ok := ch.framer.(*framing.RIPC)
	return ok
}

// nextFragmentId of a RIPC fragmented message. Ids wrap within the version's id size and skip zero.
func (ch *Channel) nextFragmentId() uint16 {
	r, ok := ch.framer.(*framing.RIPC)
	if !ok {
		return 0
	}

	ch.nextFragId++
	if r.Version.FragIdLen() == 1 && ch.nextFragId > 0xFF {
		ch.nextFragId = 1
	} else if ch.nextFragId == 0 {
		ch.nextFragId = 1
	}
	return ch.nextFragId
}

// Write sends a WriteBuffer, which is released afterwards. All wire units of the message are queued at once and
// flushed as far as the socket allows; the amount of bytes still pending is returned.
func (ch *Channel) Write(wb *WriteBuffer) (int, error) {
	if wb.done || wb.ch != ch {
		return ch.pending(), errBufferReleased
	}
	defer wb.Release()

	if ch.State() != Active {
		return 0, ErrChannelInactive
	}

	var units [][]byte
	var logical int
	var err error

	if wb.big != nil {
		if !wb.big.Complete() {
			return ch.pending(), fmt.Errorf("%v was not completely written", wb.big)
		}
		logical = wb.big.Total()
		units, err = ch.bigUnits(wb.big)
	} else {
		payload := wb.payload()
		if len(payload) == 0 {
			return ch.pending(), fmt.Errorf("empty messages cannot be sent")
		}
		logical = len(payload)

		var unit []byte
		unit, err = ch.singleUnit(payload, wb.packed)
		units = [][]byte{unit}
	}
	if err != nil {
		return ch.pending(), err
	}

	for _, unit := range units {
		ch.enqueue(unit)
	}
	atomic.AddUint64(&ch.stats.MessagesWritten, 1)
	atomic.AddUint64(&ch.stats.UncompressedBytesWritten, uint64(logical))

	return ch.Flush()
}

// singleUnit frames a message fitting one wire unit.
func (ch *Channel) singleUnit(payload []byte, packed bool) ([]byte, error) {
	seg := framing.Segment{Payload: payload, Packed: packed}
	if c, ok := ch.compress(payload); ok {
		seg.Payload = c
		seg.Compressed = true
	}

	return ch.framer.Append(make([]byte, 0, ch.framer.HeaderLen(seg)+len(seg.Payload)), seg)
}

// bigUnits frames a big buffer as a fragmented message. RIPC compresses each fragment on its own, while WebSocket
// deflates the whole message before splitting it into frames.
func (ch *Channel) bigUnits(big *bigbuf.Assembler) ([][]byte, error) {
	base := framing.Segment{
		Fragmented: true,
		TotalLen:   big.Total(),
		FragId:     big.Id,
	}

	compressPerFragment := ch.isRIPC()
	if !compressPerFragment {
		if c, ok := ch.compress(big.Bytes()); ok {
			first, rest := ch.framer.FragmentCapacity(ch.writeUnit)
			if len(c) <= first {
				unit, err := ch.framer.Append(nil, framing.Segment{Payload: c, Compressed: true})
				return [][]byte{unit}, err
			}

			cbig, err := bigbuf.NewAssembler(big.Id, len(c), first, rest)
			if err != nil {
				return nil, err
			}
			_, _ = cbig.Write(c)

			big = cbig
			base.Compressed = true
		}
	}

	fragments, err := big.Fragments()
	if err != nil {
		return nil, err
	}

	units := make([][]byte, 0, len(fragments))
	for _, f := range fragments {
		seg := base
		seg.Payload = f.Data
		seg.First = f.First
		seg.More = f.More

		if compressPerFragment {
			if c, ok := ch.compress(f.Data); ok {
				seg.Payload = c
				seg.Compressed = true
			}
		}

		unit, err := ch.framer.Append(make([]byte, 0, ch.framer.HeaderLen(seg)+len(seg.Payload)), seg)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}

	ch.log().WithFields(log.Fields{
		"fragment":  big.Id,
		"length":    big.Total(),
		"fragments": len(units),
	}).Debug("Framed big buffer")
	return units, nil
}

// compress src if a codec was negotiated, src exceeds its threshold and compression shrinks it. The returned slice
// is only valid until the next call.
func (ch *Channel) compress(src []byte) ([]byte, bool) {
	if ch.codec == nil || len(src) < ch.codec.Type().Threshold() {
		return nil, false
	}

	bound := ch.codec.MaxCompressedLength(len(src))
	if cap(ch.zbuf) < bound {
		ch.zbuf = make([]byte, bound)
	}

	n, err := ch.codec.Compress(ch.zbuf[:bound], src)
	if err != nil {
		ch.log().WithError(err).Debug("Compression failed, sending uncompressed")
		return nil, false
	} else if n >= len(src) {
		return nil, false
	}
	return ch.zbuf[:n], true
}

// enqueue a complete wire unit for Flush.
func (ch *Channel) enqueue(unit []byte) {
	ch.wq.Add(unit)
	ch.queued += len(unit)
	atomic.AddInt32(&ch.buffers, 1)
}

// pending is the amount of queued bytes not yet written to the socket.
func (ch *Channel) pending() int {
	return ch.queued
}

// Flush writes queued wire units in order, each fully before the next. The amount of bytes still pending is
// returned; a positive amount means the socket would block and Flush must be called again later.
func (ch *Channel) Flush() (int, error) {
	if ch.wq == nil {
		return 0, ErrChannelInactive
	}

	pending, err := ch.flush()
	if err != nil {
		return pending, ch.fail(err)
	}
	return pending, nil
}

// flush is Flush without failing the Channel on socket errors.
func (ch *Channel) flush() (int, error) {
	for ch.wq.Length() > 0 {
		unit := ch.wq.Peek().([]byte)

		n, err := ch.sock.Write(unit[ch.wpos:])
		if n > 0 {
			ch.wpos += n
			ch.queued -= n
			atomic.AddUint64(&ch.stats.BytesWritten, uint64(n))
		}

		if ch.wpos == len(unit) {
			ch.wq.Remove()
			ch.wpos = 0
			atomic.AddInt32(&ch.buffers, -1)
		}

		switch {
		case errors.Is(err, ErrWouldBlock), err == nil && n == 0:
			return ch.queued, nil
		case err != nil:
			return ch.queued, err
		}
	}

	return 0, nil
}
