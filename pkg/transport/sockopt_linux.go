// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package transport

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Within this file, Linux-specific socket options are configured for both dialed and accepted TCP connections.
//
// The socket options are based on the Linux tcp(7) and socket(7) manual pages.
// <https://man7.org/linux/man-pages/man7/tcp.7.html>

type sockopt struct {
	level, opt, value int
}

func (so SocketOptions) sockopts() (opts []sockopt) {
	if so.SendBufferSize > 0 {
		opts = append(opts, sockopt{unix.SOL_SOCKET, unix.SO_SNDBUF, so.SendBufferSize})
	}
	if so.ReceiveBufferSize > 0 {
		opts = append(opts, sockopt{unix.SOL_SOCKET, unix.SO_RCVBUF, so.ReceiveBufferSize})
	}
	if so.KeepAliveIdle > 0 {
		opts = append(opts, sockopt{unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(so.KeepAliveIdle / time.Second)})
	}
	if so.KeepAliveInterval > 0 {
		opts = append(opts, sockopt{unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(so.KeepAliveInterval / time.Second)})
	}
	if so.KeepAliveCount > 0 {
		opts = append(opts, sockopt{unix.IPPROTO_TCP, unix.TCP_KEEPCNT, so.KeepAliveCount})
	}
	if so.UserTimeout > 0 {
		opts = append(opts, sockopt{unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(so.UserTimeout / time.Millisecond)})
	}
	return
}

// control is a net.Dialer's or net.ListenConfig's Control function to set the socket options.
func (so SocketOptions) control(_, _ string, rawConn syscall.RawConn) (err error) {
	opts := so.sockopts()
	if len(opts) == 0 {
		return nil
	}

	ctrlErr := rawConn.Control(func(fd uintptr) {
		for _, o := range opts {
			err = unix.SetsockoptInt(int(fd), o.level, o.opt, o.value)
			if err != nil {
				return
			}
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return
}

// apply the options which Go overrides after the Control function.
func (so SocketOptions) apply(conn net.Conn) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok && so.Nagle {
		return tcpConn.SetNoDelay(false)
	}
	return nil
}
