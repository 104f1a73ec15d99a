// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// Server accepts RIPC and WebSocket channels on a TCP port.
type Server struct {
	ctx  *Context
	opts BindOptions
	ln   *net.TCPListener
}

func (srv *Server) String() string {
	return fmt.Sprintf("ripc://%s", srv.Addr())
}

func (srv *Server) log() *log.Entry {
	return srv.ctx.logger.WithField("server", srv.String())
}

// Addr the Server is bound to.
func (srv *Server) Addr() net.Addr {
	return srv.ln.Addr()
}

// Accept a pending connection as a server Channel, whose handshake is driven by Init. ErrWouldBlock is returned if
// no connection is pending.
func (srv *Server) Accept() (*Channel, error) {
	if err := srv.ln.SetDeadline(time.Now().Add(pollTimeout)); err != nil {
		return nil, err
	}

	conn, err := srv.ln.Accept()
	if err != nil {
		if isTimeout(err) {
			return nil, ErrWouldBlock
		}
		return nil, err
	}

	if err := srv.opts.Socket.apply(conn); err != nil {
		srv.log().WithError(err).Warn("Failed to apply socket options")
	}

	var sock Socket = NewConnSocket(conn)
	if srv.opts.TLS != nil {
		sock = NewTLSServerSocket(conn, srv.opts.TLS)
	}

	ch, err := srv.ctx.AcceptSocket(sock, srv.opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	srv.log().WithField("peer", conn.RemoteAddr()).Debug("Accepted connection")
	return ch, nil
}

// Close the listening socket. Accepted channels stay open.
func (srv *Server) Close() error {
	srv.log().Info("Closing server")
	return srv.ln.Close()
}
