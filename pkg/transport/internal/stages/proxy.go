// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stages

import (
	"fmt"
	"net/http"
)

// ProxyStage tunnels a client's connection through an HTTP proxy by a CONNECT request.
type ProxyStage struct {
	sent bool
}

func (ps *ProxyStage) Advance(state *State, conn Conn) (bool, error) {
	if !ps.sent {
		addr := state.Configuration.Address
		state.queue([]byte(fmt.Sprintf(
			"CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: Keep-Alive\r\n\r\n", addr, addr)))

		state.Phase = PhaseProxyConnecting
		ps.sent = true
	}

	if done, err := state.flush(conn); !done {
		return false, err
	}
	state.Phase = PhaseWaitProxyAck

	resp, err := state.readHTTPResponse(conn, http.MethodConnect)
	if resp == nil {
		return false, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusProxyAuthRequired:
		return false, negotiationErrorf("proxy requires authentication, which is not supported")
	default:
		return false, negotiationErrorf("proxy refused the tunnel: %s", resp.Status)
	}
}
