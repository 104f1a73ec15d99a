// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stages

// TLSStage awaits the TLS handshake of the Conn. For a client, the socket is upgraded first by the Configuration's
// Upgrade function; the upgraded socket is passed to the next Advance call.
type TLSStage struct {
	upgraded bool
}

func (ts *TLSStage) Advance(state *State, conn Conn) (bool, error) {
	state.Phase = PhaseWaitTLS

	if !ts.upgraded {
		ts.upgraded = true

		if upgrade := state.Configuration.Upgrade; upgrade != nil {
			if err := upgrade(); err != nil {
				return false, err
			}
			return false, nil
		}
	}

	hs, ok := conn.(Handshaker)
	if !ok {
		return true, nil
	}
	return hs.HandshakeDone()
}
