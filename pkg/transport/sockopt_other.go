// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux
// +build !linux

package transport

import (
	"net"
	"syscall"
)

// This file implements the socket options for operating systems next to Linux. Only the options exposed by the net
// package are supported; they are applied after the connection was established.

func (so SocketOptions) control(_, _ string, _ syscall.RawConn) error {
	return nil
}

func (so SocketOptions) apply(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	if so.SendBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(so.SendBufferSize); err != nil {
			return err
		}
	}
	if so.ReceiveBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(so.ReceiveBufferSize); err != nil {
			return err
		}
	}
	if so.KeepAliveIdle > 0 {
		if err := tcpConn.SetKeepAlivePeriod(so.KeepAliveIdle); err != nil {
			return err
		}
	}
	return tcpConn.SetNoDelay(!so.Nagle)
}
