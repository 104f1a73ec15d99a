// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/ripc-go/pkg/transport/internal/compress"
	"github.com/dtn7/ripc-go/pkg/transport/internal/msgs"
	"github.com/dtn7/ripc-go/pkg/transport/internal/reader"
	"github.com/dtn7/ripc-go/pkg/transport/internal/stages"
)

// Protocol spoken on a channel.
type Protocol = stages.Protocol

const (
	ProtocolRIPC      = stages.ProtocolRIPC
	ProtocolWebSocket = stages.ProtocolWebSocket
)

// ParseProtocol parses "ripc" or "websocket".
func ParseProtocol(name string) (Protocol, error) {
	switch name {
	case "ripc", "socket":
		return ProtocolRIPC, nil
	case "websocket", "ws":
		return ProtocolWebSocket, nil
	default:
		return ProtocolRIPC, fmt.Errorf("unknown protocol %q", name)
	}
}

// CompressionType of a channel.
type CompressionType = compress.Type

const (
	CompressionNone = compress.None
	CompressionZlib = compress.Zlib
	CompressionLZ4  = compress.LZ4
)

// ParseCompression parses "none", "zlib" or "lz4".
func ParseCompression(name string) (CompressionType, error) {
	return compress.ParseType(name)
}

// ConnVersion is the RIPC connection version.
type ConnVersion = msgs.ConnVersion

const (
	RIPC12 = msgs.Version12
	RIPC13 = msgs.Version13
	RIPC14 = msgs.Version14
)

// SessionFlags announce the expected ping directions.
type SessionFlags = msgs.SessionFlags

const (
	ClientToServerPing = msgs.ClientToServerPing
	ServerToClientPing = msgs.ServerToClientPing
)

const (
	defaultMaxUserMsgSize   = 6144
	defaultPingTimeout      = 60
	defaultMinPingTimeout   = 10
	defaultOutputBuffers    = 50
	defaultReadBufferSize   = 16 * 1024
	defaultMaxMessageSize   = 16 * 1024 * 1024
	defaultCompressionLevel = 6
	defaultWebSocketPath    = "/WebSocket"
	defaultComponentVersion = "ripc-go"
	defaultMajorVersion     = 14
	defaultMinorVersion     = 1
	defaultSessionFlags     = ClientToServerPing | ServerToClientPing
	defaultDialTimeout      = 5 * time.Second
)

// SocketOptions are applied to TCP sockets while dialing or accepting. Zero values keep the system's defaults.
type SocketOptions struct {
	SendBufferSize    int
	ReceiveBufferSize int

	// Nagle enables Nagle's algorithm, which Go disables by default.
	Nagle bool

	// KeepAliveIdle, KeepAliveInterval and KeepAliveCount tune TCP keepalives.
	KeepAliveIdle     time.Duration
	KeepAliveInterval time.Duration
	KeepAliveCount    int

	// UserTimeout bounds the time transmitted data may stay unacknowledged.
	UserTimeout time.Duration
}

// BufferOptions size a channel's buffers.
type BufferOptions struct {
	// GuaranteedOutputBuffers bounds the WriteBuffers a channel hands out at once.
	GuaranteedOutputBuffers int

	// ReadBufferSize is the initial size of the read buffer.
	ReadBufferSize int
	// GrowthPolicy of the read buffer, "doubling" or "compact".
	GrowthPolicy string
	// MaxReadBufferSize bounds the "doubling" GrowthPolicy.
	MaxReadBufferSize int

	// MaxMessageSize bounds reassembled and decompressed messages and big WriteBuffers.
	MaxMessageSize int
}

func (bo *BufferOptions) defaults() {
	if bo.GuaranteedOutputBuffers <= 0 {
		bo.GuaranteedOutputBuffers = defaultOutputBuffers
	}
	if bo.ReadBufferSize <= 0 {
		bo.ReadBufferSize = defaultReadBufferSize
	}
	if bo.GrowthPolicy == "" {
		bo.GrowthPolicy = "doubling"
	}
	if bo.MaxMessageSize <= 0 {
		bo.MaxMessageSize = defaultMaxMessageSize
	}
}

func (bo BufferOptions) validate() (errs error) {
	if _, err := reader.ParseGrowthPolicy(bo.GrowthPolicy, bo.MaxReadBufferSize); err != nil {
		errs = multierror.Append(errs, err)
	}
	if bo.MaxReadBufferSize != 0 && bo.MaxReadBufferSize < bo.ReadBufferSize {
		errs = multierror.Append(errs, fmt.Errorf("max read buffer size %d is below the read buffer size %d",
			bo.MaxReadBufferSize, bo.ReadBufferSize))
	}
	return
}

// ConnectOptions of a client channel.
type ConnectOptions struct {
	// Address of the server as "host:port".
	Address  string
	Protocol Protocol

	// Version of RIPC; defaults to RIPC14.
	Version ConnVersion

	// Subprotocols offered on a WebSocket channel, in order of preference.
	Subprotocols []string
	// Path of the WebSocket upgrade request.
	Path string

	Compression      CompressionType
	CompressionLevel uint8

	PingTimeout  uint8
	SessionFlags SessionFlags

	ProtocolType uint8
	MajorVersion uint8
	MinorVersion uint8

	// MaxUserMsgSize of WebSocket channels; RIPC channels use the server's value.
	MaxUserMsgSize uint16

	HostName  string
	IPAddress string

	// TLS encrypts the channel if set.
	TLS *tls.Config
	// ProxyAddress of an HTTP proxy to tunnel through, if set.
	ProxyAddress string

	// DialTimeout bounds the TCP connection establishment, which is the only blocking step.
	DialTimeout time.Duration

	Socket  SocketOptions
	Buffers BufferOptions
}

func (co *ConnectOptions) defaults() {
	if co.Version == 0 {
		co.Version = RIPC14
	}
	if co.Path == "" {
		co.Path = defaultWebSocketPath
	}
	if co.PingTimeout == 0 {
		co.PingTimeout = defaultPingTimeout
	}
	if co.SessionFlags == 0 {
		co.SessionFlags = defaultSessionFlags
	}
	if co.MajorVersion == 0 && co.MinorVersion == 0 {
		co.MajorVersion, co.MinorVersion = defaultMajorVersion, defaultMinorVersion
	}
	if co.MaxUserMsgSize == 0 {
		co.MaxUserMsgSize = defaultMaxUserMsgSize
	}
	if co.Compression != CompressionNone && co.CompressionLevel == 0 {
		co.CompressionLevel = defaultCompressionLevel
	}
	if co.DialTimeout == 0 {
		co.DialTimeout = defaultDialTimeout
	}
	co.Buffers.defaults()
}

func (co ConnectOptions) validate() (errs error) {
	if co.Address == "" {
		errs = multierror.Append(errs, fmt.Errorf("no address to connect to"))
	}
	if !co.Version.Known() {
		errs = multierror.Append(errs, fmt.Errorf("unsupported connection version %d", uint32(co.Version)))
	}
	if co.Compression > CompressionLZ4 {
		errs = multierror.Append(errs, fmt.Errorf("unknown compression type %v", co.Compression))
	}
	if err := co.Buffers.validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return
}

// BindOptions of a Server.
type BindOptions struct {
	// Address to listen on as "host:port".
	Address string
	// Protocols accepted on this Server; empty accepts RIPC and WebSocket.
	Protocols []Protocol

	// Subprotocols accepted on WebSocket channels, in order of preference.
	Subprotocols []string

	Compression      CompressionType
	CompressionLevel uint8
	ForceCompression bool

	PingTimeout    uint8
	MinPingTimeout uint8
	SessionFlags   SessionFlags

	ProtocolType uint8
	MajorVersion uint8
	MinorVersion uint8

	MaxUserMsgSize uint16

	// TLS encrypts accepted channels if set.
	TLS *tls.Config

	Socket  SocketOptions
	Buffers BufferOptions
}

func (bo *BindOptions) defaults() {
	if bo.PingTimeout == 0 {
		bo.PingTimeout = defaultPingTimeout
	}
	if bo.MinPingTimeout == 0 {
		bo.MinPingTimeout = defaultMinPingTimeout
	}
	if bo.SessionFlags == 0 {
		bo.SessionFlags = defaultSessionFlags
	}
	if bo.MajorVersion == 0 && bo.MinorVersion == 0 {
		bo.MajorVersion, bo.MinorVersion = defaultMajorVersion, defaultMinorVersion
	}
	if bo.MaxUserMsgSize == 0 {
		bo.MaxUserMsgSize = defaultMaxUserMsgSize
	}
	if bo.Compression != CompressionNone && bo.CompressionLevel == 0 {
		bo.CompressionLevel = defaultCompressionLevel
	}
	bo.Buffers.defaults()
}

func (bo BindOptions) validate() (errs error) {
	if bo.Address == "" {
		errs = multierror.Append(errs, fmt.Errorf("no address to listen on"))
	}
	if bo.MinPingTimeout > bo.PingTimeout {
		errs = multierror.Append(errs, fmt.Errorf("min ping timeout %d exceeds the ping timeout %d",
			bo.MinPingTimeout, bo.PingTimeout))
	}
	if bo.MaxUserMsgSize > msgs.MaxMessageLen-msgs.HeaderLen {
		errs = multierror.Append(errs, fmt.Errorf("max user message size %d exceeds %d",
			bo.MaxUserMsgSize, msgs.MaxMessageLen-msgs.HeaderLen))
	} else if bo.MaxUserMsgSize <= msgs.HeaderLen+msgs.PackedHeaderLen {
		errs = multierror.Append(errs, fmt.Errorf("max user message size %d is too small", bo.MaxUserMsgSize))
	}
	if bo.Compression > CompressionLZ4 {
		errs = multierror.Append(errs, fmt.Errorf("unknown compression type %v", bo.Compression))
	}
	if bo.ForceCompression && bo.Compression == CompressionNone {
		errs = multierror.Append(errs, fmt.Errorf("compression is forced, but none is configured"))
	}
	if err := bo.Buffers.validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return
}
