// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// pollTimeout is the deadline of a single socket operation on a ConnSocket.
const pollTimeout = time.Millisecond

// Socket is a non-blocking byte stream. Read and Write return ErrWouldBlock instead of waiting.
//
// A TLSSocket is the exception: its Write blocks until all bytes were sent, as a *tls.Conn cannot resume a partial
// record after a write deadline expired.
type Socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// ConnSocket adapts a net.Conn to a Socket by short deadlines on each operation.
type ConnSocket struct {
	conn net.Conn

	// blockingWrites disables write deadlines, e.g., for TLS whose state is corrupted by a timed out write.
	blockingWrites bool
}

// NewConnSocket for a net.Conn.
func NewConnSocket(conn net.Conn) *ConnSocket {
	return &ConnSocket{conn: conn}
}

// Conn is the underlying net.Conn.
func (cs *ConnSocket) Conn() net.Conn {
	return cs.conn
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
}

func (cs *ConnSocket) Read(p []byte) (int, error) {
	if err := cs.conn.SetReadDeadline(time.Now().Add(pollTimeout)); err != nil {
		return 0, err
	}

	n, err := cs.conn.Read(p)
	if err != nil && isTimeout(err) {
		if n > 0 {
			return n, nil
		}
		return 0, ErrWouldBlock
	}
	return n, err
}

func (cs *ConnSocket) Write(p []byte) (int, error) {
	if cs.blockingWrites {
		return cs.conn.Write(p)
	}

	if err := cs.conn.SetWriteDeadline(time.Now().Add(pollTimeout)); err != nil {
		return 0, err
	}

	n, err := cs.conn.Write(p)
	if err != nil && isTimeout(err) {
		if n > 0 {
			return n, nil
		}
		return 0, ErrWouldBlock
	}
	return n, err
}

func (cs *ConnSocket) Close() error {
	return cs.conn.Close()
}

func (cs *ConnSocket) LocalAddr() net.Addr {
	return cs.conn.LocalAddr()
}

func (cs *ConnSocket) RemoteAddr() net.Addr {
	return cs.conn.RemoteAddr()
}

// pipeBuffer is one direction of a Pipe.
type pipeBuffer struct {
	mutex  sync.Mutex
	buf    bytes.Buffer
	limit  int
	closed bool
}

// PipeSocket is one end of an in-memory Socket pair created by Pipe.
type PipeSocket struct {
	in  *pipeBuffer
	out *pipeBuffer
}

// Pipe creates two connected in-memory Sockets. Each direction buffers up to limit bytes; a zero limit is unbounded.
func Pipe(limit int) (a, b *PipeSocket) {
	ab, ba := &pipeBuffer{limit: limit}, &pipeBuffer{limit: limit}
	a = &PipeSocket{in: ba, out: ab}
	b = &PipeSocket{in: ab, out: ba}
	return
}

func (ps *PipeSocket) Read(p []byte) (int, error) {
	ps.in.mutex.Lock()
	defer ps.in.mutex.Unlock()

	if ps.in.buf.Len() == 0 {
		if ps.in.closed {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	return ps.in.buf.Read(p)
}

func (ps *PipeSocket) Write(p []byte) (int, error) {
	ps.out.mutex.Lock()
	defer ps.out.mutex.Unlock()

	if ps.out.closed {
		return 0, io.ErrClosedPipe
	}

	if ps.out.limit > 0 {
		room := ps.out.limit - ps.out.buf.Len()
		if room <= 0 {
			return 0, ErrWouldBlock
		} else if len(p) > room {
			p = p[:room]
		}
	}
	return ps.out.buf.Write(p)
}

// Close both directions. The peer reads the remaining bytes before io.EOF.
func (ps *PipeSocket) Close() error {
	for _, pb := range []*pipeBuffer{ps.in, ps.out} {
		pb.mutex.Lock()
		pb.closed = true
		pb.mutex.Unlock()
	}
	return nil
}
