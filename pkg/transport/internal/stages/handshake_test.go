// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stages

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/dtn7/ripc-go/pkg/transport/internal/compress"
	"github.com/dtn7/ripc-go/pkg/transport/internal/msgs"
	"github.com/dtn7/ripc-go/pkg/transport/internal/wsframe"
)

func testClientConf(protocol Protocol, comp compress.Type) Configuration {
	return Configuration{
		Client:           true,
		Protocol:         protocol,
		Version:          msgs.Version14,
		MajorVersion:     14,
		MinorVersion:     1,
		PingTimeout:      30,
		SessionFlags:     msgs.ClientToServerPing | msgs.ServerToClientPing,
		Compression:      comp,
		HostName:         "client.example",
		IPAddress:        "192.0.2.1",
		ComponentVersion: "ripc-go test client",
		Address:          "server.example:14002",
		Path:             "/WebSocket",
	}
}

func testServerConf(comp compress.Type) Configuration {
	return Configuration{
		MajorVersion:     14,
		MinorVersion:     1,
		PingTimeout:      60,
		MinPingTimeout:   10,
		SessionFlags:     msgs.ClientToServerPing | msgs.ServerToClientPing,
		Compression:      comp,
		CompressionLevel: 6,
		MaxUserMsgSize:   6144,
		ComponentVersion: "ripc-go test server",
	}
}

// testDrive alternates both handlers until they are terminal or a bound of iterations is reached.
func testDrive(client, server *StageHandler, cc, sc Conn) {
	for i := 0; i < 1000; i++ {
		cs, _ := client.Advance(cc)
		ss, _ := server.Advance(sc)
		if cs != InProgress && ss != InProgress {
			return
		}
	}
}

func testHandshake(clientConf, serverConf Configuration, chunk int) (client, server *StageHandler) {
	cc, sc := newTestConnPair(chunk)
	client = NewStageHandler(ClientStages(clientConf), clientConf, nil)
	server = NewStageHandler(ServerStages(serverConf, false), serverConf, nil)
	testDrive(client, server, cc, sc)
	return
}

func TestHandshakeRIPC(t *testing.T) {
	versions := []msgs.ConnVersion{msgs.Version12, msgs.Version13, msgs.Version14}
	comps := []compress.Type{compress.None, compress.Zlib, compress.LZ4}

	for _, version := range versions {
		for _, comp := range comps {
			for _, chunk := range []int{0, 1} {
				t.Run(fmt.Sprintf("%v-%v-%d", version, comp, chunk), func(t *testing.T) {
					clientConf := testClientConf(ProtocolRIPC, comp)
					clientConf.Version = version

					client, server := testHandshake(clientConf, testServerConf(comp), chunk)
					if err := client.State().StageError; err != nil {
						t.Fatal(err)
					} else if err := server.State().StageError; err != nil {
						t.Fatal(err)
					}

					if client.Status() != Active || server.Status() != Active {
						t.Fatalf("status %v and %v", client.Status(), server.Status())
					}

					cs, ss := client.State(), server.State()
					if cs.Protocol != ProtocolRIPC || ss.Protocol != ProtocolRIPC {
						t.Fatalf("protocols %v and %v", cs.Protocol, ss.Protocol)
					}
					if cs.Version != version || ss.Version != version {
						t.Fatalf("versions %v and %v", cs.Version, ss.Version)
					}
					if cs.Compression != comp || ss.Compression != comp {
						t.Fatalf("compression %v and %v", cs.Compression, ss.Compression)
					}
					if cs.PingTimeout != 30 || cs.MaxUserMsgSize != 6144 {
						t.Fatalf("ping timeout %d, max msg size %d", cs.PingTimeout, cs.MaxUserMsgSize)
					}
					if ss.PeerHostName != "client.example" || ss.PeerIPAddress != "192.0.2.1" {
						t.Fatalf("peer %s / %s", ss.PeerHostName, ss.PeerIPAddress)
					}

					if version.HasComponentInfo() {
						if cs.PeerComponentVersion != "ripc-go test server" || ss.PeerComponentVersion != "ripc-go test client" {
							t.Fatalf("components %q and %q", cs.PeerComponentVersion, ss.PeerComponentVersion)
						}
					} else if cs.PeerComponentVersion != "" || ss.PeerComponentVersion != "" {
						t.Fatalf("RIPC12 exchanged components %q and %q", cs.PeerComponentVersion, ss.PeerComponentVersion)
					}

					if len(cs.Leftover()) != 0 || len(ss.Leftover()) != 0 {
						t.Fatal("handshake left bytes behind")
					}
				})
			}
		}
	}
}

func TestHandshakeRIPCNegotiation(t *testing.T) {
	tests := []struct {
		clientPing, clientMajor, clientMinor uint8
		clientComp                           compress.Type
		serverComp                           compress.Type

		ping, major, minor uint8
		comp               compress.Type
	}{
		{5, 14, 1, compress.None, compress.None, 10, 14, 1, compress.None},
		{100, 14, 1, compress.None, compress.None, 60, 14, 1, compress.None},
		{30, 14, 0, compress.None, compress.None, 30, 14, 0, compress.None},
		{30, 15, 0, compress.None, compress.None, 30, 14, 1, compress.None},
		{30, 13, 9, compress.None, compress.None, 30, 13, 9, compress.None},
		{30, 14, 1, compress.Zlib, compress.LZ4, 30, 14, 1, compress.None},
		{30, 14, 1, compress.None, compress.Zlib, 30, 14, 1, compress.None},
	}

	for i, test := range tests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			clientConf := testClientConf(ProtocolRIPC, test.clientComp)
			clientConf.PingTimeout = test.clientPing
			clientConf.MajorVersion = test.clientMajor
			clientConf.MinorVersion = test.clientMinor

			client, server := testHandshake(clientConf, testServerConf(test.serverComp), 0)
			if client.Status() != Active || server.Status() != Active {
				t.Fatalf("status %v and %v: %v", client.Status(), server.Status(), client.State().StageError)
			}

			for _, s := range []*State{client.State(), server.State()} {
				if s.PingTimeout != test.ping || s.MajorVersion != test.major || s.MinorVersion != test.minor {
					t.Fatalf("ping %d, version %d.%d", s.PingTimeout, s.MajorVersion, s.MinorVersion)
				} else if s.Compression != test.comp {
					t.Fatalf("compression %v", s.Compression)
				}
			}
		})
	}
}

func TestHandshakeRIPCRejected(t *testing.T) {
	tests := []struct {
		name   string
		modify func(client, server *Configuration)
		reason string
	}{
		{
			name:   "protocol type",
			modify: func(client, _ *Configuration) { client.ProtocolType = 2 },
			reason: "protocol type 2 is not supported",
		},
		{
			name: "forced compression",
			modify: func(client, server *Configuration) {
				server.Compression = compress.LZ4
				server.ForceCompression = true
			},
			reason: "compression lz4 is required",
		},
		{
			name:   "unknown version",
			modify: func(client, _ *Configuration) { client.Version = 30 },
			reason: "unsupported connection version 30",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			clientConf, serverConf := testClientConf(ProtocolRIPC, compress.None), testServerConf(compress.None)
			test.modify(&clientConf, &serverConf)

			client, server := testHandshake(clientConf, serverConf, 0)
			if client.Status() != Inactive || server.Status() != Inactive {
				t.Fatalf("status %v and %v", client.Status(), server.Status())
			}

			for _, err := range []error{client.State().StageError, server.State().StageError} {
				if !errors.Is(err, ErrNegotiation) {
					t.Fatalf("error %v is no negotiation failure", err)
				} else if !strings.Contains(err.Error(), test.reason) {
					t.Fatalf("error %v lacks %q", err, test.reason)
				}
			}
		})
	}
}

func TestHandshakeLeftover(t *testing.T) {
	clientConf, serverConf := testClientConf(ProtocolRIPC, compress.None), testServerConf(compress.None)

	cc, sc := newTestConnPair(0)
	client := NewStageHandler(ClientStages(clientConf), clientConf, nil)
	server := NewStageHandler(ServerStages(serverConf, false), serverConf, nil)

	if status, err := client.Advance(cc); status != InProgress || err != nil {
		t.Fatalf("client status %v, error %v", status, err)
	}
	if status, err := server.Advance(sc); status != Active || err != nil {
		t.Fatalf("server status %v, error %v", status, err)
	}

	// The server's first message directly follows its ConnectAck.
	_, _ = sc.Write(msgs.PingBytes)

	if status, err := client.Advance(cc); status != Active || err != nil {
		t.Fatalf("client status %v, error %v", status, err)
	} else if !bytes.Equal(client.State().Leftover(), msgs.PingBytes) {
		t.Fatalf("leftover %x", client.State().Leftover())
	}
}

func TestHandshakeWebSocket(t *testing.T) {
	tests := []struct {
		offered     []string
		comp        compress.Type
		subprotocol wsframe.Subprotocol
		deflate     bool
	}{
		{nil, compress.None, wsframe.SubprotocolJSON2, false},
		{nil, compress.Zlib, wsframe.SubprotocolJSON2, true},
		{nil, compress.LZ4, wsframe.SubprotocolJSON2, false},
		{[]string{"tr_rwf"}, compress.None, wsframe.SubprotocolRWF, false},
		{[]string{"rssl.rwf", "tr_json2"}, compress.LZ4, wsframe.SubprotocolJSON2, false},
		{[]string{"rssl.rwf"}, compress.Zlib, wsframe.SubprotocolRWF, true},
	}

	for i, test := range tests {
		for _, chunk := range []int{0, 1} {
			t.Run(fmt.Sprintf("%d-%d", i, chunk), func(t *testing.T) {
				clientConf := testClientConf(ProtocolWebSocket, test.comp)
				clientConf.Subprotocols = test.offered

				client, server := testHandshake(clientConf, testServerConf(test.comp), chunk)
				if err := client.State().StageError; err != nil {
					t.Fatal(err)
				} else if err := server.State().StageError; err != nil {
					t.Fatal(err)
				}

				expectedComp := compress.None
				if test.deflate {
					expectedComp = compress.Zlib
				}

				for _, s := range []*State{client.State(), server.State()} {
					if s.Protocol != ProtocolWebSocket {
						t.Fatalf("protocol %v", s.Protocol)
					} else if s.Subprotocol != test.subprotocol {
						t.Fatalf("subprotocol %v", s.Subprotocol)
					} else if s.Deflate != test.deflate || s.Compression != expectedComp {
						t.Fatalf("deflate %t, compression %v", s.Deflate, s.Compression)
					}
				}

				if server.State().PeerHostName != "server.example:14002" {
					t.Fatalf("host %q", server.State().PeerHostName)
				}
			})
		}
	}
}

func TestDeflateNegotiation(t *testing.T) {
	tests := []struct {
		offer  string
		accept bool
		err    bool
	}{
		{deflateOffer(), true, false},
		{"permessage-deflate; server_no_context_takeover; client_no_context_takeover", true, false},
		{"permessage-deflate", true, false},
		{"x-webkit-deflate-frame, permessage-deflate", true, false},
		{"permessage-deflate; server_max_window_bits=10", false, false},
		{"x-webkit-deflate-frame", false, false},
		{"", false, false},
		{"permessage-deflate; x=\"unterminated", false, true},
	}

	for _, test := range tests {
		t.Run(test.offer, func(t *testing.T) {
			h := http.Header{}
			if test.offer != "" {
				h.Set("Sec-WebSocket-Extensions", test.offer)
			}

			accept, err := acceptDeflate(h)
			if (err != nil) != test.err {
				t.Fatalf("unexpected error state: %v", err)
			} else if accept != test.accept {
				t.Fatalf("accepted %t, expected %t", accept, test.accept)
			}
		})
	}
}

func TestDeflateResponse(t *testing.T) {
	h := http.Header{}
	h.Set("Sec-WebSocket-Extensions", deflateOffer())
	if deflate, err := acceptedDeflate(h); err != nil || !deflate {
		t.Fatalf("own response was refused: %t, %v", deflate, err)
	}

	h.Set("Sec-WebSocket-Extensions", "x-webkit-deflate-frame")
	if _, err := acceptedDeflate(h); err == nil {
		t.Fatal("unknown extension was accepted")
	}

	if deflate, err := acceptedDeflate(http.Header{}); err != nil || deflate {
		t.Fatalf("missing extension resulted in %t, %v", deflate, err)
	}
}

func TestHandshakeWebSocketRejected(t *testing.T) {
	clientConf := testClientConf(ProtocolWebSocket, compress.None)
	clientConf.Subprotocols = []string{"mqtt"}

	client, server := testHandshake(clientConf, testServerConf(compress.None), 0)
	if client.Status() != Inactive || server.Status() != Inactive {
		t.Fatalf("status %v and %v", client.Status(), server.Status())
	}

	if err := server.State().StageError; !errors.Is(err, ErrNegotiation) || !strings.Contains(err.Error(), "subprotocols") {
		t.Fatalf("server error %v", err)
	}
	if err := client.State().StageError; !errors.Is(err, ErrNegotiation) || !strings.Contains(err.Error(), "400") {
		t.Fatalf("client error %v", err)
	}
}

func TestHandshakeProtocolNotAccepted(t *testing.T) {
	serverConf := testServerConf(compress.None)
	serverConf.Accept = []Protocol{ProtocolRIPC}

	client, server := testHandshake(testClientConf(ProtocolWebSocket, compress.None), serverConf, 0)
	if server.Status() != Inactive || !errors.Is(server.State().StageError, ErrNegotiation) {
		t.Fatalf("server status %v, error %v", server.Status(), server.State().StageError)
	}
	if client.Status() != InProgress || client.State().Phase != PhaseWaitUpgradeResponse {
		t.Fatalf("client status %v in %v", client.Status(), client.State().Phase)
	}
}

func TestHandshakeProxy(t *testing.T) {
	tests := []struct {
		response string
		status   Status
	}{
		{"HTTP/1.1 200 Connection established\r\n\r\n", Active},
		{"HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic\r\nContent-Length: 0\r\n\r\n", Inactive},
		{"HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n", Inactive},
	}

	for _, test := range tests {
		t.Run(test.response[9:12], func(t *testing.T) {
			clientConf, serverConf := testClientConf(ProtocolRIPC, compress.None), testServerConf(compress.None)
			clientConf.Proxy = true

			cc, sc := newTestConnPair(0)
			client := NewStageHandler(ClientStages(clientConf), clientConf, nil)

			if status, err := client.Advance(cc); status != InProgress || err != nil {
				t.Fatalf("status %v, error %v", status, err)
			} else if client.State().Phase != PhaseWaitProxyAck {
				t.Fatalf("phase %v", client.State().Phase)
			}

			connect := "CONNECT server.example:14002 HTTP/1.1\r\n"
			if req := sc.in.String(); !strings.HasPrefix(req, connect) || !strings.HasSuffix(req, "\r\n\r\n") {
				t.Fatalf("proxy request %q", req)
			}
			sc.in.Reset()
			_, _ = sc.Write([]byte(test.response))

			server := NewStageHandler(ServerStages(serverConf, false), serverConf, nil)
			testDrive(client, server, cc, sc)

			if client.Status() != test.status {
				t.Fatalf("status %v, error %v", client.Status(), client.State().StageError)
			} else if test.status == Inactive && !errors.Is(client.State().StageError, ErrNegotiation) {
				t.Fatalf("error %v", client.State().StageError)
			}
		})
	}
}

func TestHandshakeTLS(t *testing.T) {
	clientConf, serverConf := testClientConf(ProtocolRIPC, compress.None), testServerConf(compress.None)

	cc, sc := newTestConnPair(0)
	tlsClient := &handshakeConn{testConn: cc, polls: 3}
	tlsServer := &handshakeConn{testConn: sc, polls: 2}

	var upgraded bool
	clientConf.Upgrade = func() error {
		upgraded = true
		return nil
	}

	client := NewStageHandler(ClientStages(clientConf), clientConf, nil)
	server := NewStageHandler(ServerStages(serverConf, true), serverConf, nil)

	if status, err := client.Advance(cc); status != InProgress || err != nil || !upgraded {
		t.Fatalf("status %v, error %v, upgraded %t", status, err, upgraded)
	} else if client.State().Phase != PhaseWaitTLS {
		t.Fatalf("phase %v", client.State().Phase)
	}

	testDrive(client, server, tlsClient, tlsServer)
	if client.Status() != Active || server.Status() != Active {
		t.Fatalf("status %v and %v", client.Status(), server.Status())
	}
}
