// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"errors"

	"github.com/dtn7/ripc-go/pkg/transport/internal/bigbuf"
	"github.com/dtn7/ripc-go/pkg/transport/internal/compress"
	"github.com/dtn7/ripc-go/pkg/transport/internal/reader"
	"github.com/dtn7/ripc-go/pkg/transport/internal/stages"
)

var (
	// ErrWouldBlock is returned by non-blocking operations which cannot progress now. It is no failure.
	ErrWouldBlock = stages.ErrWouldBlock

	// ErrNegotiation matches every failed handshake, see NegotiationError.
	ErrNegotiation = stages.ErrNegotiation

	// ErrMalformedFrame reports a peer violating the wire format. The channel becomes inactive.
	ErrMalformedFrame = reader.ErrMalformedFrame

	// ErrCompression reports compressed data which could not be restored. The channel becomes inactive.
	ErrCompression = reader.ErrCompression

	// ErrInsufficientCapacity reports a compression destination below the worst case output size.
	ErrInsufficientCapacity = compress.ErrInsufficientCapacity

	// ErrInsufficientBuffer reports a buffer too small for a message; the read buffer could not be grown or a
	// WriteBuffer's content does not fit into the destination.
	ErrInsufficientBuffer = bigbuf.ErrInsufficientSpace

	// ErrChannelInactive is returned by operations on a channel which is not active.
	ErrChannelInactive = errors.New("channel is not active")

	// ErrNoBuffers reports that all guaranteed output buffers are in use.
	ErrNoBuffers = errors.New("no output buffers available")
)

// NegotiationError carries the reason of a failed handshake, e.g., a ConnectNak's text.
type NegotiationError = stages.NegotiationError
