// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport provides non-blocking RIPC and WebSocket channels.
//
// A Context is created once per process and passed around explicitly. It creates client channels by Connect and
// Servers by Listen. Each Channel is a single-threaded state machine: the owner calls Init until the handshake is
// finished, then Read, GetBuffer, Write and Flush whenever the socket is ready. No call blocks; ErrWouldBlock tells
// the caller to try again later.
package transport

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ripc-go/pkg/transport/internal/stages"
)

// ContextOptions are shared by all channels of a Context.
type ContextOptions struct {
	// Logger for all channels; logrus' standard logger if nil.
	Logger *log.Logger

	// ComponentVersion is announced in RIPC13 and later handshakes.
	ComponentVersion string
	// HostName and IPAddress are announced by clients which do not configure their own.
	HostName  string
	IPAddress string
}

// Context is the process-wide root of channels and servers.
type Context struct {
	opts   ContextOptions
	logger *log.Entry

	channelsMutex sync.RWMutex
	channels      map[uuid.UUID]*Channel
}

// NewContext creates a Context. It should be created once and passed to each user.
func NewContext(opts ContextOptions) *Context {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.ComponentVersion == "" {
		opts.ComponentVersion = defaultComponentVersion
	}

	return &Context{
		opts:     opts,
		logger:   log.NewEntry(opts.Logger),
		channels: make(map[uuid.UUID]*Channel),
	}
}

func (ctx *Context) log() *log.Entry {
	return ctx.logger.WithField("component", ctx.opts.ComponentVersion)
}

func (ctx *Context) register(ch *Channel) {
	ctx.channelsMutex.Lock()
	ctx.channels[ch.id] = ch
	ctx.channelsMutex.Unlock()
}

func (ctx *Context) unregister(ch *Channel) {
	ctx.channelsMutex.Lock()
	delete(ctx.channels, ch.id)
	ctx.channelsMutex.Unlock()
}

// Channels lists the ChannelInfo of all open channels, oldest first.
func (ctx *Context) Channels() []ChannelInfo {
	ctx.channelsMutex.RLock()
	infos := make([]ChannelInfo, 0, len(ctx.channels))
	for _, ch := range ctx.channels {
		infos = append(infos, ch.Info())
	}
	ctx.channelsMutex.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Created.Before(infos[j].Created)
	})
	return infos
}

// Channel by its id, if it is open.
func (ctx *Context) Channel(id string) (*Channel, bool) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, false
	}

	ctx.channelsMutex.RLock()
	defer ctx.channelsMutex.RUnlock()

	ch, ok := ctx.channels[uid]
	return ch, ok
}

// clientConfiguration maps ConnectOptions onto a handshake Configuration.
func (ctx *Context) clientConfiguration(opts ConnectOptions) stages.Configuration {
	hostName, ipAddress := opts.HostName, opts.IPAddress
	if hostName == "" {
		hostName = ctx.opts.HostName
	}
	if ipAddress == "" {
		ipAddress = ctx.opts.IPAddress
	}

	return stages.Configuration{
		Client:           true,
		Protocol:         opts.Protocol,
		Version:          opts.Version,
		ProtocolType:     opts.ProtocolType,
		MajorVersion:     opts.MajorVersion,
		MinorVersion:     opts.MinorVersion,
		PingTimeout:      opts.PingTimeout,
		SessionFlags:     opts.SessionFlags,
		Compression:      opts.Compression,
		CompressionLevel: opts.CompressionLevel,
		MaxUserMsgSize:   opts.MaxUserMsgSize,
		HostName:         hostName,
		IPAddress:        ipAddress,
		ComponentVersion: ctx.opts.ComponentVersion,
		Address:          opts.Address,
		Path:             opts.Path,
		Subprotocols:     opts.Subprotocols,
		Proxy:            opts.ProxyAddress != "",
	}
}

// serverConfiguration maps BindOptions onto a handshake Configuration.
func (ctx *Context) serverConfiguration(opts BindOptions) stages.Configuration {
	return stages.Configuration{
		Accept:           opts.Protocols,
		ProtocolType:     opts.ProtocolType,
		MajorVersion:     opts.MajorVersion,
		MinorVersion:     opts.MinorVersion,
		PingTimeout:      opts.PingTimeout,
		MinPingTimeout:   opts.MinPingTimeout,
		SessionFlags:     opts.SessionFlags,
		Compression:      opts.Compression,
		CompressionLevel: opts.CompressionLevel,
		ForceCompression: opts.ForceCompression,
		MaxUserMsgSize:   opts.MaxUserMsgSize,
		ComponentVersion: ctx.opts.ComponentVersion,
		Subprotocols:     opts.Subprotocols,
	}
}

// Connect dials a server and returns a client Channel whose handshake is driven by Init. Establishing the TCP
// connection is the only blocking step, bounded by the DialTimeout.
func (ctx *Context) Connect(opts ConnectOptions) (*Channel, error) {
	opts.defaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	dialAddress := opts.Address
	if opts.ProxyAddress != "" {
		dialAddress = opts.ProxyAddress
	}

	dialer := &net.Dialer{
		Timeout: opts.DialTimeout,
		Control: opts.Socket.control,
	}
	conn, err := dialer.Dial("tcp", dialAddress)
	if err != nil {
		return nil, err
	}
	if err := opts.Socket.apply(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	sock := NewConnSocket(conn)
	conf := ctx.clientConfiguration(opts)

	ch := newChannel(ctx, sock, true, opts.Buffers)
	if opts.TLS != nil {
		tlsConf := opts.TLS.Clone()
		if tlsConf.ServerName == "" {
			if host, _, err := net.SplitHostPort(opts.Address); err == nil {
				tlsConf.ServerName = host
			}
		}

		conf.Upgrade = func() error {
			ch.sock = NewTLSClientSocket(conn, tlsConf)
			return nil
		}
	}

	ch.start(stages.ClientStages(conf), conf)
	return ch, nil
}

// ConnectSocket creates a client Channel on an already connected Socket, e.g., one end of a Pipe.
func (ctx *Context) ConnectSocket(sock Socket, opts ConnectOptions) (*Channel, error) {
	opts.defaults()
	if opts.Address == "" {
		opts.Address = "localhost"
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.TLS != nil || opts.ProxyAddress != "" {
		return nil, fmt.Errorf("TLS and proxies require a dialed channel")
	}

	conf := ctx.clientConfiguration(opts)

	ch := newChannel(ctx, sock, true, opts.Buffers)
	ch.start(stages.ClientStages(conf), conf)
	return ch, nil
}

// AcceptSocket creates a server Channel on an accepted Socket. A Socket performing its own handshake, e.g., a
// TLSSocket, is awaited first.
func (ctx *Context) AcceptSocket(sock Socket, opts BindOptions) (*Channel, error) {
	opts.defaults()
	if opts.Address == "" {
		opts.Address = "localhost"
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	_, encrypted := sock.(stages.Handshaker)
	conf := ctx.serverConfiguration(opts)

	ch := newChannel(ctx, sock, false, opts.Buffers)
	ch.start(stages.ServerStages(conf, encrypted), conf)
	return ch, nil
}

// Listen binds a Server.
func (ctx *Context) Listen(opts BindOptions) (*Server, error) {
	opts.defaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	lc := net.ListenConfig{Control: opts.Socket.control}
	ln, err := lc.Listen(context.Background(), "tcp", opts.Address)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		ctx:  ctx,
		opts: opts,
		ln:   ln.(*net.TCPListener),
	}
	srv.log().Info("Server is listening")
	return srv, nil
}
