// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package reader

import (
	"encoding/binary"
	"fmt"

	"github.com/dtn7/ripc-go/pkg/transport/internal/bigbuf"
	"github.com/dtn7/ripc-go/pkg/transport/internal/framing"
	"github.com/dtn7/ripc-go/pkg/transport/internal/msgs"
)

// maxPendingFragments bounds the fragmented messages a peer may interleave.
const maxPendingFragments = 32

// ripcReader interprets complete RIPC messages: pings, plain, packed, compressed and fragmented ones.
type ripcReader struct {
	e      *Engine
	framer *framing.RIPC

	// fragments in progress, by fragment id.
	fragments map[uint16]*bigbuf.Incoming
	// compFrag is the first half of a compressed message split by a COMP_FRAGMENT flag.
	compFrag []byte
}

func newRIPCReader(e *Engine, framer *framing.RIPC) *ripcReader {
	return &ripcReader{
		e:         e,
		framer:    framer,
		fragments: make(map[uint16]*bigbuf.Incoming),
	}
}

func (r *ripcReader) process(unit []byte) (Result, bool, error) {
	if len(unit) == msgs.HeaderLen {
		return Result{Status: Ping}, true, nil
	}

	flags := msgs.Flags(unit[2])
	if flags&msgs.FlagData == 0 {
		return Result{}, false, fmt.Errorf("%w: RIPC message flags %v lack DATA", ErrMalformedFrame, flags)
	}

	payload := unit[msgs.HeaderLen:]
	if flags&msgs.FlagHasOptional != 0 {
		return r.processFragment(flags, payload)
	}

	if flags&msgs.FlagCompFragment != 0 {
		if flags&msgs.FlagCompressed == 0 || r.compFrag != nil {
			return Result{}, false, fmt.Errorf("%w: unexpected COMP_FRAGMENT in %v", ErrMalformedFrame, flags)
		}
		r.compFrag = append([]byte(nil), payload...)
		return Result{}, false, nil
	}

	if flags&msgs.FlagCompressed != 0 {
		src := payload
		if r.compFrag != nil {
			src = append(r.compFrag, payload...)
			r.compFrag = nil
		}

		out, err := r.e.decompress(src)
		if err != nil {
			return Result{}, false, err
		}
		payload = out
	} else if r.compFrag != nil {
		return Result{}, false, fmt.Errorf("%w: uncompressed message follows a COMP_FRAGMENT", ErrMalformedFrame)
	}

	return r.e.deliver(payload, flags&msgs.FlagPacking != 0)
}

func (r *ripcReader) processFragment(flags msgs.Flags, body []byte) (Result, bool, error) {
	if len(body) < 1 {
		return Result{}, false, fmt.Errorf("%w: RIPC message lacks its extended flags", ErrMalformedFrame)
	}

	ext := msgs.ExtFlags(body[0])
	body = body[1:]
	v := r.framer.Version
	idLen := v.FragIdLen()

	switch {
	case ext&msgs.ExtFragmentHeader != 0:
		if len(body) < 4+idLen {
			return Result{}, false, fmt.Errorf("%w: truncated fragment header", ErrMalformedFrame)
		}

		totalLen := binary.BigEndian.Uint32(body)
		id := msgs.FragId(body[4:], v)
		if totalLen == 0 || uint64(totalLen) > uint64(r.e.conf.MaxMessageLen) {
			return Result{}, false, fmt.Errorf("%w: fragmented message of %d bytes", ErrMalformedFrame, totalLen)
		} else if _, exists := r.fragments[id]; exists {
			return Result{}, false, fmt.Errorf("%w: fragment id %d is already in use", ErrMalformedFrame, id)
		} else if len(r.fragments) >= maxPendingFragments {
			return Result{}, false, fmt.Errorf("%w: more than %d fragmented messages in progress",
				ErrMalformedFrame, maxPendingFragments)
		}

		in, err := bigbuf.NewIncoming(id, int(totalLen), r.e.conf.MaxMessageLen, 0)
		if err != nil {
			return Result{}, false, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		r.fragments[id] = in

		return r.appendFragment(in, flags, body[4+idLen:])

	case ext&msgs.ExtFragment != 0:
		if len(body) < idLen {
			return Result{}, false, fmt.Errorf("%w: truncated fragment", ErrMalformedFrame)
		}

		id := msgs.FragId(body, v)
		in, ok := r.fragments[id]
		if !ok {
			return Result{}, false, fmt.Errorf("%w: fragment for unknown id %d", ErrMalformedFrame, id)
		}

		return r.appendFragment(in, flags, body[idLen:])

	default:
		return Result{}, false, fmt.Errorf("%w: unsupported extended flags %v", ErrMalformedFrame, ext)
	}
}

func (r *ripcReader) appendFragment(in *bigbuf.Incoming, flags msgs.Flags, data []byte) (Result, bool, error) {
	if flags&msgs.FlagCompressed != 0 {
		out, err := r.e.decompress(data)
		if err != nil {
			return Result{}, false, err
		}
		data = out
	}

	if err := in.Append(data, false); err != nil {
		return Result{}, false, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	} else if !in.IsFinished() {
		return Result{}, false, nil
	}

	delete(r.fragments, in.Id)
	msg, _ := in.Bytes()

	r.e.log().WithField("fragment", in.Id).Debug("Reassembled fragmented message")
	return Result{Status: ReadData, Msg: msg}, true, nil
}
