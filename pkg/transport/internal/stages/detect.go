// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stages

import "bytes"

// detectLen is the amount of bytes needed to tell an HTTP upgrade request from a RIPC ConnectRequest.
const detectLen = 4

// DetectStage tells a server which Protocol a newly accepted client speaks.
type DetectStage struct{}

func (DetectStage) Advance(state *State, conn Conn) (bool, error) {
	state.Phase = PhaseWaitConnectReq

	if ok, err := state.need(conn, detectLen); !ok {
		return false, err
	}

	if bytes.HasPrefix(state.in, []byte("GET ")) {
		state.Protocol = ProtocolWebSocket
	} else {
		state.Protocol = ProtocolRIPC
	}

	if !state.Configuration.accepts(state.Protocol) {
		return false, negotiationErrorf("protocol %v is not accepted", state.Protocol)
	}
	return true, nil
}

// appendAcceptStage continues a DetectStage with the detected Protocol's server handshake.
func appendAcceptStage(sh *StageHandler, state *State) error {
	if state.Protocol == ProtocolWebSocket {
		sh.Append(StageSetup{Stage: &UpgradeAcceptStage{}})
	} else {
		sh.Append(StageSetup{Stage: &AcceptStage{}})
	}
	return nil
}

// ClientStages for a client's Configuration: an optional proxy tunnel, an optional TLS handshake and the protocol's
// handshake.
func ClientStages(conf Configuration) (setups []StageSetup) {
	if conf.Proxy {
		setups = append(setups, StageSetup{Stage: &ProxyStage{}})
	}
	if conf.Upgrade != nil {
		setups = append(setups, StageSetup{Stage: &TLSStage{}})
	}

	if conf.Protocol == ProtocolWebSocket {
		setups = append(setups, StageSetup{Stage: &UpgradeStage{}})
	} else {
		setups = append(setups, StageSetup{Stage: &ConnectStage{}})
	}
	return
}

// ServerStages for a server's Configuration. The protocol's handshake is chosen after the client's first bytes.
func ServerStages(conf Configuration, encrypted bool) (setups []StageSetup) {
	if encrypted {
		setups = append(setups, StageSetup{Stage: &TLSStage{}})
	}
	return append(setups, StageSetup{Stage: DetectStage{}, PostHook: appendAcceptStage})
}
