// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Logging LoggingConfig
	Listen  *listenConf
	Peer    []peerConf
	Status  StatusConfig
}

// LoggingConfig describes the Logging-configuration block.
type LoggingConfig struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// StatusConfig describes the status REST API.
type StatusConfig struct {
	Listen string
}

// bufferConf is shared by the "listen" and "peer" blocks.
type bufferConf struct {
	GuaranteedOutputBuffers int    `toml:"guaranteed-output-buffers"`
	ReadBufferSize          int    `toml:"read-buffer-size"`
	GrowthPolicy            string `toml:"growth-policy"`
	MaxReadBufferSize       int    `toml:"max-read-buffer-size"`
	MaxMessageSize          int    `toml:"max-message-size"`

	SendBufferSize    int    `toml:"send-buffer-size"`
	ReceiveBufferSize int    `toml:"receive-buffer-size"`
	Nagle             bool   `toml:"nagle"`
	KeepAliveIdle     string `toml:"keepalive-idle"`
	KeepAliveInterval string `toml:"keepalive-interval"`
	KeepAliveCount    int    `toml:"keepalive-count"`
	UserTimeout       string `toml:"user-timeout"`
}

// listenConf describes the Listen-configuration block.
type listenConf struct {
	Address          string
	Protocols        []string
	Subprotocols     []string
	Compression      string
	CompressionLevel uint8  `toml:"compression-level"`
	ForceCompression bool   `toml:"force-compression"`
	PingTimeout      uint8  `toml:"ping-timeout"`
	MinPingTimeout   uint8  `toml:"min-ping-timeout"`
	MaxMsgSize       uint16 `toml:"max-msg-size"`
	ProtocolType     uint8  `toml:"protocol-type"`

	TLSCert string `toml:"tls-cert"`
	TLSKey  string `toml:"tls-key"`

	bufferConf
}

// peerConf describes the Peer-configuration block.
type peerConf struct {
	Address          string
	Protocol         string
	Version          string
	Subprotocols     []string
	Path             string
	Compression      string
	CompressionLevel uint8  `toml:"compression-level"`
	PingTimeout      uint8  `toml:"ping-timeout"`
	ProtocolType     uint8  `toml:"protocol-type"`
	HostName         string `toml:"host-name"`
	Proxy            string
	DialTimeout      string `toml:"dial-timeout"`

	TLS         bool
	TLSInsecure bool `toml:"tls-insecure"`

	bufferConf
}

// Config is a parsed configuration file.
type Config struct {
	Logging LoggingConfig
	// Listen is nil if no "listen" block exists.
	Listen *BindOptions
	Peers  []ConnectOptions
	Status StatusConfig
}

// LoadConfig parses a TOML configuration file. All invalid settings are reported at once.
func LoadConfig(filename string) (conf Config, err error) {
	var tc tomlConfig
	if _, err = toml.DecodeFile(filename, &tc); err != nil {
		return
	}

	conf.Logging = tc.Logging
	conf.Status = tc.Status

	var errs error
	if tc.Listen != nil {
		if listen, listenErr := tc.Listen.parse(); listenErr != nil {
			errs = multierror.Append(errs, fmt.Errorf("listen: %w", listenErr))
		} else {
			conf.Listen = &listen
		}
	}

	for i, pc := range tc.Peer {
		if peer, peerErr := pc.parse(); peerErr != nil {
			errs = multierror.Append(errs, fmt.Errorf("peer %d: %w", i, peerErr))
		} else {
			conf.Peers = append(conf.Peers, peer)
		}
	}

	err = errs
	return
}

// Apply the LoggingConfig to a logrus Logger.
func (lc LoggingConfig) Apply(logger *log.Logger) {
	if lc.Level != "" {
		if lvl, err := log.ParseLevel(lc.Level); err != nil {
			logger.WithFields(log.Fields{
				"level":    lc.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			logger.SetLevel(lvl)
		}
	}

	logger.SetReportCaller(lc.ReportCaller)

	switch lc.Format {
	case "", "text":
		logger.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		logger.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		logger.WithField("format", lc.Format).Warn("Unknown logging format")
	}
}

// ParseVersion parses a RIPC connection version like "ripc14"; the empty string is RIPC14.
func ParseVersion(name string) (ConnVersion, error) {
	switch strings.ToLower(name) {
	case "ripc12":
		return RIPC12, nil
	case "ripc13":
		return RIPC13, nil
	case "", "ripc14":
		return RIPC14, nil
	default:
		return 0, fmt.Errorf("unknown connection version %q", name)
	}
}

// parseDuration parses an optional duration.
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

func (bc bufferConf) parse() (SocketOptions, BufferOptions, error) {
	so := SocketOptions{
		SendBufferSize:    bc.SendBufferSize,
		ReceiveBufferSize: bc.ReceiveBufferSize,
		Nagle:             bc.Nagle,
		KeepAliveCount:    bc.KeepAliveCount,
	}
	bo := BufferOptions{
		GuaranteedOutputBuffers: bc.GuaranteedOutputBuffers,
		ReadBufferSize:          bc.ReadBufferSize,
		GrowthPolicy:            bc.GrowthPolicy,
		MaxReadBufferSize:       bc.MaxReadBufferSize,
		MaxMessageSize:          bc.MaxMessageSize,
	}

	var errs, err error
	if so.KeepAliveIdle, err = parseDuration("keepalive-idle", bc.KeepAliveIdle); err != nil {
		errs = multierror.Append(errs, err)
	}
	if so.KeepAliveInterval, err = parseDuration("keepalive-interval", bc.KeepAliveInterval); err != nil {
		errs = multierror.Append(errs, err)
	}
	if so.UserTimeout, err = parseDuration("user-timeout", bc.UserTimeout); err != nil {
		errs = multierror.Append(errs, err)
	}

	return so, bo, errs
}

func (lc listenConf) parse() (opts BindOptions, errs error) {
	opts = BindOptions{
		Address:          lc.Address,
		Subprotocols:     lc.Subprotocols,
		CompressionLevel: lc.CompressionLevel,
		ForceCompression: lc.ForceCompression,
		PingTimeout:      lc.PingTimeout,
		MinPingTimeout:   lc.MinPingTimeout,
		MaxUserMsgSize:   lc.MaxMsgSize,
		ProtocolType:     lc.ProtocolType,
	}

	for _, name := range lc.Protocols {
		if p, err := ParseProtocol(name); err != nil {
			errs = multierror.Append(errs, err)
		} else {
			opts.Protocols = append(opts.Protocols, p)
		}
	}

	var err error
	if opts.Compression, err = ParseCompression(lc.Compression); err != nil {
		errs = multierror.Append(errs, err)
	}

	if opts.Socket, opts.Buffers, err = lc.bufferConf.parse(); err != nil {
		errs = multierror.Append(errs, err)
	}

	switch {
	case lc.TLSCert != "" && lc.TLSKey != "":
		cert, certErr := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
		if certErr != nil {
			errs = multierror.Append(errs, certErr)
		} else {
			opts.TLS = &tls.Config{Certificates: []tls.Certificate{cert}}
		}

	case lc.TLSCert != "" || lc.TLSKey != "":
		errs = multierror.Append(errs, fmt.Errorf("tls-cert and tls-key must be set together"))
	}

	if errs == nil {
		opts.defaults()
		errs = opts.validate()
	}
	return
}

func (pc peerConf) parse() (opts ConnectOptions, errs error) {
	opts = ConnectOptions{
		Address:          pc.Address,
		Subprotocols:     pc.Subprotocols,
		Path:             pc.Path,
		CompressionLevel: pc.CompressionLevel,
		PingTimeout:      pc.PingTimeout,
		ProtocolType:     pc.ProtocolType,
		HostName:         pc.HostName,
		ProxyAddress:     pc.Proxy,
	}

	var err error
	if pc.Protocol != "" {
		if opts.Protocol, err = ParseProtocol(pc.Protocol); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if opts.Version, err = ParseVersion(pc.Version); err != nil {
		errs = multierror.Append(errs, err)
	}
	if opts.Compression, err = ParseCompression(pc.Compression); err != nil {
		errs = multierror.Append(errs, err)
	}
	if opts.DialTimeout, err = parseDuration("dial-timeout", pc.DialTimeout); err != nil {
		errs = multierror.Append(errs, err)
	}
	if opts.Socket, opts.Buffers, err = pc.bufferConf.parse(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if pc.TLS {
		opts.TLS = &tls.Config{InsecureSkipVerify: pc.TLSInsecure}
	}

	if errs == nil {
		opts.defaults()
		errs = opts.validate()
	}
	return
}
