// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stages

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/ripc-go/pkg/transport/internal/compress"
	"github.com/dtn7/ripc-go/pkg/transport/internal/wsframe"
)

// DefaultSubprotocols in order of preference.
var DefaultSubprotocols = []string{"rssl.json.v2", "tr_json2", "rssl.rwf", "tr_rwf"}

func subprotocols(conf Configuration) []string {
	if len(conf.Subprotocols) == 0 {
		return DefaultSubprotocols
	}
	return conf.Subprotocols
}

// newWebSocketKey is the base64 encoding of a random UUID's 16 bytes.
func newWebSocketKey() string {
	id := uuid.New()
	return base64.StdEncoding.EncodeToString(id[:])
}

// UpgradeStage is a WebSocket client's handshake: send the HTTP upgrade request and validate the response.
type UpgradeStage struct {
	key string
}

func (us *UpgradeStage) Advance(state *State, conn Conn) (bool, error) {
	conf := state.Configuration

	if us.key == "" {
		us.key = newWebSocketKey()

		path := conf.Path
		if path == "" {
			path = "/WebSocket"
		}

		var req strings.Builder
		fmt.Fprintf(&req, "GET %s HTTP/1.1\r\n", path)
		fmt.Fprintf(&req, "Host: %s\r\n", conf.Address)
		req.WriteString("Upgrade: websocket\r\nConnection: Upgrade\r\n")
		fmt.Fprintf(&req, "Sec-WebSocket-Key: %s\r\n", us.key)
		req.WriteString("Sec-WebSocket-Version: 13\r\n")
		fmt.Fprintf(&req, "Sec-WebSocket-Protocol: %s\r\n", strings.Join(subprotocols(conf), ", "))
		if conf.Compression == compress.Zlib {
			fmt.Fprintf(&req, "Sec-WebSocket-Extensions: %s\r\n", deflateOffer())
		}
		req.WriteString("\r\n")

		state.queue([]byte(req.String()))
		state.Protocol = ProtocolWebSocket
		state.Phase = PhaseSendUpgradeRequest
	}

	if done, err := state.flush(conn); !done {
		return false, err
	}
	state.Phase = PhaseWaitUpgradeResponse

	resp, err := state.readHTTPResponse(conn, http.MethodGet)
	if resp == nil {
		return false, err
	}

	if err := us.validate(state, resp); err != nil {
		return false, &NegotiationError{Reason: fmt.Sprintf("WebSocket upgrade was refused: %v", err)}
	}
	return true, nil
}

func (us *UpgradeStage) validate(state *State, resp *http.Response) error {
	conf := state.Configuration
	var errs error

	if resp.StatusCode != http.StatusSwitchingProtocols {
		errs = multierror.Append(errs, fmt.Errorf("status %q", resp.Status))
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		errs = multierror.Append(errs, fmt.Errorf("Upgrade header is %q", resp.Header.Get("Upgrade")))
	}
	if !headerContains(resp.Header, "Connection", "upgrade") {
		errs = multierror.Append(errs, fmt.Errorf("Connection header lacks upgrade"))
	}
	if accept := resp.Header.Get("Sec-WebSocket-Accept"); accept != acceptKey(us.key) {
		errs = multierror.Append(errs, fmt.Errorf("Sec-WebSocket-Accept %q does not match the key", accept))
	}

	name := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	var offered bool
	for _, sp := range subprotocols(conf) {
		offered = offered || strings.EqualFold(sp, name)
	}
	sp := wsframe.ParseSubprotocol(name)
	if !offered || sp == wsframe.SubprotocolNone {
		errs = multierror.Append(errs, fmt.Errorf("subprotocol %q was not offered", name))
	}

	deflate, err := acceptedDeflate(resp.Header)
	if err != nil {
		errs = multierror.Append(errs, err)
	} else if deflate && conf.Compression != compress.Zlib {
		errs = multierror.Append(errs, fmt.Errorf("permessage-deflate was not offered"))
	}

	if errs != nil {
		return errs
	}

	state.Subprotocol = sp
	state.SubprotocolName = name
	state.Deflate = deflate
	state.settleWebSocket()
	return nil
}

// settleWebSocket fills the session parameters which are not negotiated by a WebSocket upgrade.
func (s *State) settleWebSocket() {
	conf := s.Configuration

	s.Protocol = ProtocolWebSocket
	s.Version = conf.Version
	s.PingTimeout = conf.PingTimeout
	s.SessionFlags = conf.SessionFlags
	s.MajorVersion = conf.MajorVersion
	s.MinorVersion = conf.MinorVersion
	s.MaxUserMsgSize = conf.MaxUserMsgSize

	if s.Deflate {
		s.Compression = compress.Zlib
		s.CompressionLevel = conf.CompressionLevel
	} else {
		s.Compression = compress.None
		s.CompressionLevel = 0
	}
}

// UpgradeAcceptStage is a WebSocket server's handshake: validate the HTTP upgrade request, answer with 101 or 400.
type UpgradeAcceptStage struct {
	replied bool
	failure error
}

func (ua *UpgradeAcceptStage) Advance(state *State, conn Conn) (bool, error) {
	if !ua.replied {
		state.Phase = PhaseWaitUpgradeRequest
		state.Protocol = ProtocolWebSocket

		req, err := state.readHTTPRequest(conn)
		if req == nil {
			return false, err
		}

		if err := ua.validate(state, req); err != nil {
			ua.failure = &NegotiationError{Reason: fmt.Sprintf("WebSocket upgrade was rejected: %v", err)}
			state.queue([]byte(fmt.Sprintf(
				"HTTP/1.1 400 Bad Request\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
				len(ua.failure.Error()), ua.failure.Error())))
		} else {
			var resp strings.Builder
			resp.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n")
			fmt.Fprintf(&resp, "Sec-WebSocket-Accept: %s\r\n", acceptKey(req.Header.Get("Sec-WebSocket-Key")))
			fmt.Fprintf(&resp, "Sec-WebSocket-Protocol: %s\r\n", state.SubprotocolName)
			if state.Deflate {
				fmt.Fprintf(&resp, "Sec-WebSocket-Extensions: %s\r\n", deflateOffer())
			}
			resp.WriteString("\r\n")
			state.queue([]byte(resp.String()))
		}

		ua.replied = true
		state.Phase = PhaseSendUpgradeResponse
	}

	if done, err := state.flush(conn); !done {
		return false, err
	}
	return ua.failure == nil, ua.failure
}

func (ua *UpgradeAcceptStage) validate(state *State, req *http.Request) error {
	conf := state.Configuration
	var errs error

	if req.Method != http.MethodGet {
		errs = multierror.Append(errs, fmt.Errorf("method %s", req.Method))
	}
	if !headerContains(req.Header, "Upgrade", "websocket") {
		errs = multierror.Append(errs, fmt.Errorf("Upgrade header is %q", req.Header.Get("Upgrade")))
	}
	if !headerContains(req.Header, "Connection", "upgrade") {
		errs = multierror.Append(errs, fmt.Errorf("Connection header lacks upgrade"))
	}
	if v := req.Header.Get("Sec-WebSocket-Version"); v != "13" {
		errs = multierror.Append(errs, fmt.Errorf("Sec-WebSocket-Version %q", v))
	}
	if key, err := base64.StdEncoding.DecodeString(req.Header.Get("Sec-WebSocket-Key")); err != nil || len(key) != 16 {
		errs = multierror.Append(errs, fmt.Errorf("Sec-WebSocket-Key %q is invalid", req.Header.Get("Sec-WebSocket-Key")))
	}

	offered := headerTokens(req.Header, "Sec-WebSocket-Protocol")
	var chosen string
	for _, sp := range subprotocols(conf) {
		for _, o := range offered {
			if chosen == "" && strings.EqualFold(sp, o) && wsframe.ParseSubprotocol(o) != wsframe.SubprotocolNone {
				chosen = o
			}
		}
	}
	if chosen == "" {
		errs = multierror.Append(errs, fmt.Errorf("none of the subprotocols %v is supported", offered))
	}

	var deflate bool
	if conf.Compression == compress.Zlib {
		var err error
		if deflate, err = acceptDeflate(req.Header); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if !deflate && conf.ForceCompression && conf.Compression == compress.Zlib {
		errs = multierror.Append(errs, fmt.Errorf("permessage-deflate is required"))
	}

	if errs != nil {
		return errs
	}

	state.Subprotocol = wsframe.ParseSubprotocol(chosen)
	state.SubprotocolName = chosen
	state.Deflate = deflate
	state.PeerHostName = req.Host
	state.settleWebSocket()
	return nil
}
