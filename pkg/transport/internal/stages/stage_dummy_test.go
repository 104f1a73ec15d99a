// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stages

import (
	"bytes"
)

// dummyStage is used for internal testing.
//
// The calls parameter specifies how many Advance calls this Stage "takes"; err is returned on the last one.
type dummyStage struct {
	calls int
	err   error

	advanced int
}

func (ds *dummyStage) Advance(state *State, conn Conn) (bool, error) {
	ds.advanced++
	if ds.advanced < ds.calls {
		return false, nil
	}
	return ds.err == nil, ds.err
}

// testConn is one end of an in-memory byte stream, reading at most chunk bytes per call if chunk is positive.
type testConn struct {
	in    *bytes.Buffer
	out   *bytes.Buffer
	chunk int
}

func newTestConnPair(chunk int) (a, b *testConn) {
	ab, ba := new(bytes.Buffer), new(bytes.Buffer)
	a = &testConn{in: ba, out: ab, chunk: chunk}
	b = &testConn{in: ab, out: ba, chunk: chunk}
	return
}

func (tc *testConn) Read(p []byte) (int, error) {
	if tc.in.Len() == 0 {
		return 0, ErrWouldBlock
	}
	if tc.chunk > 0 && len(p) > tc.chunk {
		p = p[:tc.chunk]
	}
	return tc.in.Read(p)
}

func (tc *testConn) Write(p []byte) (int, error) {
	return tc.out.Write(p)
}

// handshakeConn is a testConn with a handshake of its own, finished after some polls.
type handshakeConn struct {
	*testConn
	polls int
}

func (hc *handshakeConn) HandshakeDone() (bool, error) {
	hc.polls--
	return hc.polls <= 0, nil
}
