// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package reader reassembles complete messages from the partial reads of a non-blocking socket.
//
// The Engine never performs I/O itself. The caller reads into the Buffer's free region, passes the amount of new
// bytes to Advance and acts on the returned Status: read again, reclaim space, or consume a delivered message.
package reader

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ripc-go/pkg/transport/internal/compress"
	"github.com/dtn7/ripc-go/pkg/transport/internal/framing"
)

var (
	// ErrMalformedFrame reports a violation of the wire format. The channel cannot be used afterwards.
	ErrMalformedFrame = framing.ErrMalformed

	// ErrCompression reports compressed data which could not be restored within the configured limits.
	ErrCompression = errors.New("decompression failed")

	// ErrClosed reports a call after the peer closed the stream.
	ErrClosed = errors.New("stream was closed by the peer")
)

// Status is the tagged result of each Advance call.
type Status uint8

const (
	// NoData means nothing is buffered.
	NoData Status = iota
	// UnknownInsufficient means the buffered bytes do not reveal the next unit's length yet.
	UnknownInsufficient
	// KnownInsufficient means the next unit's length is known, but not all of its bytes arrived.
	KnownInsufficient
	// PartialData means parts of a fragmented message were absorbed and nothing else is buffered.
	PartialData
	// ReadData means Result.Msg holds a complete message.
	ReadData
	// Ping means a keepalive arrived; Result.Reply might hold an answer to be sent.
	Ping
	// EndOfStream means the peer closed the stream; Result.Reply might hold the closing answer.
	EndOfStream
	// InsufficientBuffer means the Buffer must be compacted or grown by Result.Need bytes before calling again.
	InsufficientBuffer
)

func (s Status) String() string {
	switch s {
	case NoData:
		return "NO_DATA"
	case UnknownInsufficient:
		return "UNKNOWN_INSUFFICIENT"
	case KnownInsufficient:
		return "KNOWN_INSUFFICIENT"
	case PartialData:
		return "PARTIAL_DATA"
	case ReadData:
		return "READ_DATA"
	case Ping:
		return "PING"
	case EndOfStream:
		return "END_OF_STREAM"
	case InsufficientBuffer:
		return "INSUFFICIENT_BUFFER"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

// WouldBlock reports whether more bytes from the socket are needed to progress.
func (s Status) WouldBlock() bool {
	switch s {
	case NoData, UnknownInsufficient, KnownInsufficient, PartialData:
		return true
	default:
		return false
	}
}

// Result of an Advance call.
type Result struct {
	Status Status

	// Msg is the delivered message for ReadData. It stays valid until the next Advance call.
	Msg []byte
	// More is set if further delivered messages are already buffered.
	More bool
	// WireLen is the amount of wire bytes Msg occupied; compressed messages differ from len(Msg).
	WireLen int

	// Reply is a complete wire unit the caller should send, e.g., a PONG or a CLOSE.
	Reply []byte
	// CloseCode is the status code of a received WebSocket CLOSE.
	CloseCode uint16

	// Need is the amount of free bytes required for InsufficientBuffer.
	Need int
}

func (r Result) String() string {
	return fmt.Sprintf("RESULT(%v, msg=%d, more=%t, reply=%d, need=%d)", r.Status, len(r.Msg), r.More, len(r.Reply), r.Need)
}

// Config of an Engine.
type Config struct {
	// Framer is the channel's wire envelope, either *framing.RIPC or *framing.WebSocket.
	Framer framing.Framer
	// Codec restores compressed messages; nil if no compression was negotiated.
	Codec compress.Codec

	// MaxUnitLen bounds a single wire unit.
	MaxUnitLen int
	// MaxMessageLen bounds reassembled and decompressed messages.
	MaxMessageLen int
}

// Engine is the read side state machine of one channel. It is not safe for concurrent use.
type Engine struct {
	conf Config

	ripc *ripcReader
	ws   *wsReader

	// packed holds the remaining sub-messages of a packed RIPC message.
	packed []byte
	decomp []byte

	failure error
	closed  bool

	logger *log.Entry
}

// NewEngine for a Config whose Framer was fixed by the handshake.
func NewEngine(conf Config, logger *log.Entry) (*Engine, error) {
	if conf.MaxUnitLen <= 0 || conf.MaxMessageLen <= 0 {
		return nil, fmt.Errorf("engine limits must be positive: unit %d, message %d", conf.MaxUnitLen, conf.MaxMessageLen)
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	e := &Engine{conf: conf, logger: logger}

	switch f := conf.Framer.(type) {
	case *framing.RIPC:
		e.ripc = newRIPCReader(e, f)
	case *framing.WebSocket:
		e.ws = newWSReader(e, f)
	default:
		return nil, fmt.Errorf("unsupported framer %T", conf.Framer)
	}

	return e, nil
}

func (e *Engine) log() *log.Entry {
	return e.logger.WithField("framer", e.conf.Framer)
}

// Err is the terminal error of a failed Engine, if any.
func (e *Engine) Err() error {
	return e.failure
}

// Advance the Engine after n bytes were read into the Buffer's free region. Zero bytes are valid, e.g., to drain
// messages which are already buffered. Each call delivers at most one message or event.
func (e *Engine) Advance(b *Buffer, n int) (Result, error) {
	if e.failure != nil {
		return Result{}, e.failure
	}
	if e.closed {
		return Result{Status: EndOfStream}, ErrClosed
	}

	if err := b.Commit(n); err != nil {
		return Result{}, e.fail(err)
	}

	// Sub-messages of a packed message might still point into the Buffer, which must not be released before.
	if len(e.packed) > 0 {
		res, err := e.nextPacked()
		if err != nil {
			return Result{}, e.fail(err)
		} else if res.Status == ReadData {
			res.More = res.More || b.Buffered() > 0
			return res, nil
		}
	}
	b.release()

	for {
		pending := b.Pending()
		if len(pending) == 0 {
			b.release()
			if e.partial() {
				return Result{Status: PartialData}, nil
			}
			return Result{Status: NoData}, nil
		}

		unit, err := e.conf.Framer.Scan(pending)
		if err != nil {
			return Result{}, e.fail(err)
		}

		if !unit.Known {
			if len(b.Free()) == 0 {
				b.release()
				return Result{Status: InsufficientBuffer, Need: unit.HeaderLen - len(pending)}, nil
			}
			return Result{Status: UnknownInsufficient}, nil
		}

		if unit.Len > e.conf.MaxUnitLen {
			return Result{}, e.fail(fmt.Errorf("%w: unit of %d bytes exceeds %d bytes",
				ErrMalformedFrame, unit.Len, e.conf.MaxUnitLen))
		}

		if missing := unit.Len - len(pending); missing > 0 {
			if missing > len(b.Free()) {
				b.release()
				return Result{Status: InsufficientBuffer, Need: missing}, nil
			}
			return Result{Status: KnownInsufficient}, nil
		}

		b.advance(unit.Len)

		var res Result
		var delivered bool
		if e.ripc != nil {
			res, delivered, err = e.ripc.process(pending[:unit.Len])
		} else {
			res, delivered, err = e.ws.process(pending[:unit.Len], unit)
		}

		if err != nil {
			return Result{}, e.fail(err)
		} else if delivered {
			res.WireLen = unit.Len
			res.More = res.More || b.Buffered() > 0
			if res.Status == EndOfStream {
				e.closed = true
			}
			return res, nil
		}
	}
}

func (e *Engine) partial() bool {
	if e.ripc != nil {
		return len(e.ripc.fragments) > 0 || e.ripc.compFrag != nil
	}
	return e.ws.cont != nil
}

func (e *Engine) fail(err error) error {
	e.failure = err
	e.log().WithError(err).Warn("Read engine failed")
	return err
}

// deliver a complete message, splitting packed messages into their sub-messages.
func (e *Engine) deliver(msg []byte, packed bool) (Result, bool, error) {
	if !packed {
		return Result{Status: ReadData, Msg: msg}, true, nil
	}

	e.packed = msg
	res, err := e.nextPacked()
	if err != nil {
		return Result{}, false, err
	}
	// A packed message of empty entries only delivers nothing.
	return res, res.Status == ReadData, nil
}

func (e *Engine) nextPacked() (Result, error) {
	msg, rest, err := framing.NextPacked(e.packed)
	if err != nil {
		e.packed = nil
		return Result{}, err
	}

	e.packed = rest
	if msg == nil {
		return Result{Status: NoData}, nil
	}
	return Result{Status: ReadData, Msg: msg, More: len(rest) > 0}, nil
}

// decompress src into the Engine's reused output buffer, growing it until MaxMessageLen.
func (e *Engine) decompress(src []byte) ([]byte, error) {
	if e.conf.Codec == nil {
		return nil, fmt.Errorf("%w: compressed message without negotiated compression", ErrMalformedFrame)
	}

	size := 4 * len(src)
	if size < 1024 {
		size = 1024
	}
	if size > e.conf.MaxMessageLen {
		size = e.conf.MaxMessageLen
	}

	for {
		if cap(e.decomp) < size {
			e.decomp = make([]byte, size)
		}
		dst := e.decomp[:size]

		n, err := e.conf.Codec.Decompress(dst, src)
		if err == nil {
			return dst[:n], nil
		} else if !errors.Is(err, compress.ErrInsufficientCapacity) || size >= e.conf.MaxMessageLen {
			return nil, fmt.Errorf("%w: %v", ErrCompression, err)
		}

		size *= 2
		if size > e.conf.MaxMessageLen {
			size = e.conf.MaxMessageLen
		}
	}
}
