// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stages

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/gobwas/httphead"
	"github.com/gobwas/ws/wsflate"
)

// maxHTTPHeaderLen bounds proxy responses and upgrade requests or responses.
const maxHTTPHeaderLen = 16 * 1024

const webSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var headerEnd = []byte("\r\n\r\n")

// httpHeader returns the length of a complete HTTP header at the input's start, or zero if more bytes are needed.
func (s *State) httpHeader(conn Conn) (int, error) {
	for {
		if i := bytes.Index(s.in, headerEnd); i >= 0 {
			return i + len(headerEnd), nil
		} else if len(s.in) > maxHTTPHeaderLen {
			return 0, negotiationErrorf("HTTP header exceeds %d bytes", maxHTTPHeaderLen)
		}

		if n, err := s.fill(conn); err != nil || n == 0 {
			return 0, err
		}
	}
}

// readHTTPResponse parses a complete response to a request of the given method; nil if more bytes are needed.
func (s *State) readHTTPResponse(conn Conn, method string) (*http.Response, error) {
	n, err := s.httpHeader(conn)
	if err != nil || n == 0 {
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(s.in[:n])), &http.Request{Method: method})
	if err != nil {
		return nil, negotiationErrorf("malformed HTTP response: %v", err)
	}
	s.consume(n)
	return resp, nil
}

// readHTTPRequest parses a complete request; nil if more bytes are needed.
func (s *State) readHTTPRequest(conn Conn) (*http.Request, error) {
	n, err := s.httpHeader(conn)
	if err != nil || n == 0 {
		return nil, err
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(s.in[:n])))
	if err != nil {
		return nil, negotiationErrorf("malformed HTTP request: %v", err)
	}
	s.consume(n)
	return req, nil
}

// acceptKey derives the Sec-WebSocket-Accept value of a Sec-WebSocket-Key.
func acceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(webSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// headerTokens splits comma separated header values of all occurrences of a header.
func headerTokens(h http.Header, name string) (tokens []string) {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tokens = append(tokens, t)
			}
		}
	}
	return
}

// headerContains checks case-insensitively for a token within a comma separated header.
func headerContains(h http.Header, name, token string) bool {
	for _, t := range headerTokens(h, name) {
		if strings.EqualFold(t, token) {
			return true
		}
	}
	return false
}

// deflateParams is permessage-deflate without context takeover in either direction.
var deflateParams = wsflate.Parameters{
	ServerNoContextTakeover: true,
	ClientNoContextTakeover: true,
}

// deflateOffer renders deflateParams as a Sec-WebSocket-Extensions value.
func deflateOffer() string {
	var b strings.Builder
	_, _ = httphead.WriteOptions(&b, []httphead.Option{deflateParams.Option()})
	return b.String()
}

// extensionOptions parses all Sec-WebSocket-Extensions headers.
func extensionOptions(h http.Header) (opts []httphead.Option, err error) {
	for _, value := range h.Values("Sec-WebSocket-Extensions") {
		var ok bool
		if opts, ok = httphead.ParseOptions([]byte(value), opts); !ok {
			return nil, fmt.Errorf("malformed Sec-WebSocket-Extensions %q", value)
		}
	}
	return
}

// acceptDeflate negotiates a client's extension offers against deflateParams.
func acceptDeflate(h http.Header) (bool, error) {
	opts, err := extensionOptions(h)
	if err != nil {
		return false, err
	}

	ext := wsflate.Extension{Parameters: deflateParams}
	for _, opt := range opts {
		accept, err := ext.Negotiate(opt)
		if err != nil {
			return false, fmt.Errorf("permessage-deflate offer: %w", err)
		} else if len(accept.Name) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// acceptedDeflate checks a server's extension response. Any extension except permessage-deflate is reported.
func acceptedDeflate(h http.Header) (deflate bool, err error) {
	opts, err := extensionOptions(h)
	if err != nil {
		return false, err
	}

	for _, opt := range opts {
		if !strings.EqualFold(string(opt.Name), wsflate.ExtensionName) {
			return false, fmt.Errorf("unsupported extension %q", opt.Name)
		}

		var params wsflate.Parameters
		if err := params.Parse(opt); err != nil {
			return false, fmt.Errorf("permessage-deflate response: %w", err)
		}
		deflate = true
	}
	return
}
