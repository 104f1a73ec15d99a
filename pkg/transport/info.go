// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"sync/atomic"
	"time"

	"github.com/dtn7/ripc-go/pkg/transport/internal/stages"
)

// Stats are a Channel's counters. Uncompressed counters contain the application's view of the payload.
type Stats struct {
	BytesRead                uint64 `json:"bytes_read"`
	BytesWritten             uint64 `json:"bytes_written"`
	UncompressedBytesRead    uint64 `json:"uncompressed_bytes_read"`
	UncompressedBytesWritten uint64 `json:"uncompressed_bytes_written"`
	MessagesRead             uint64 `json:"messages_read"`
	MessagesWritten          uint64 `json:"messages_written"`
	PingsReceived            uint64 `json:"pings_received"`
	PingsSent                uint64 `json:"pings_sent"`
}

// ChannelInfo is a snapshot of a Channel's negotiated parameters and counters.
type ChannelInfo struct {
	Id     string `json:"id"`
	Client bool   `json:"client"`
	State  string `json:"state"`
	Phase  string `json:"phase"`

	LocalAddr  string `json:"local_addr,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`

	Protocol         string `json:"protocol,omitempty"`
	Version          string `json:"version,omitempty"`
	Subprotocol      string `json:"subprotocol,omitempty"`
	Compression      string `json:"compression,omitempty"`
	CompressionLevel uint8  `json:"compression_level,omitempty"`
	PingTimeout      uint8  `json:"ping_timeout,omitempty"`
	SessionFlags     string `json:"session_flags,omitempty"`
	MajorVersion     uint8  `json:"major_version"`
	MinorVersion     uint8  `json:"minor_version"`

	// MaxUserMsgSize is the negotiated message size; MaxFragmentSize the largest payload of a single write buffer.
	MaxUserMsgSize  int `json:"max_user_msg_size,omitempty"`
	MaxFragmentSize int `json:"max_fragment_size,omitempty"`

	PeerHostName         string `json:"peer_host_name,omitempty"`
	PeerIPAddress        string `json:"peer_ip_address,omitempty"`
	PeerComponentVersion string `json:"peer_component_version,omitempty"`

	OutputBuffers           int    `json:"output_buffers"`
	GuaranteedOutputBuffers int    `json:"guaranteed_output_buffers"`
	ReadBufferSize          int    `json:"read_buffer_size"`
	GrowthPolicy            string `json:"growth_policy"`

	Created time.Time `json:"created"`
	Error   string    `json:"error,omitempty"`

	Stats Stats `json:"stats"`
}

// Info returns a snapshot of the Channel. It is safe to be called concurrently to the Channel's owner.
func (ch *Channel) Info() ChannelInfo {
	ch.infoMutex.Lock()
	info := ch.info
	ch.infoMutex.Unlock()

	info.State = ch.State().String()
	info.OutputBuffers = int(atomic.LoadInt32(&ch.buffers))
	info.ReadBufferSize = int(atomic.LoadInt64(&ch.rbufCap))

	info.Stats = Stats{
		BytesRead:                atomic.LoadUint64(&ch.stats.BytesRead),
		BytesWritten:             atomic.LoadUint64(&ch.stats.BytesWritten),
		UncompressedBytesRead:    atomic.LoadUint64(&ch.stats.UncompressedBytesRead),
		UncompressedBytesWritten: atomic.LoadUint64(&ch.stats.UncompressedBytesWritten),
		MessagesRead:             atomic.LoadUint64(&ch.stats.MessagesRead),
		MessagesWritten:          atomic.LoadUint64(&ch.stats.MessagesWritten),
		PingsReceived:            atomic.LoadUint64(&ch.stats.PingsReceived),
		PingsSent:                atomic.LoadUint64(&ch.stats.PingsSent),
	}
	return info
}

// updatePhase copies the handshake's phase and the terminal error into the snapshot.
func (ch *Channel) updatePhase() {
	st := ch.handler.State()

	ch.infoMutex.Lock()
	defer ch.infoMutex.Unlock()

	ch.info.Phase = st.Phase.String()
	if ch.err != nil {
		ch.info.Error = ch.err.Error()
	} else if st.StageError != nil {
		ch.info.Error = st.StageError.Error()
	}
}

// updateNegotiated copies the handshake's results into the snapshot.
func (ch *Channel) updateNegotiated(st *stages.State, maxUser int) {
	ch.infoMutex.Lock()
	defer ch.infoMutex.Unlock()

	ch.info.Protocol = st.Protocol.String()
	ch.info.Compression = st.Compression.String()
	ch.info.CompressionLevel = st.CompressionLevel
	ch.info.PingTimeout = st.PingTimeout
	ch.info.SessionFlags = st.SessionFlags.String()
	ch.info.MajorVersion = st.MajorVersion
	ch.info.MinorVersion = st.MinorVersion
	ch.info.MaxUserMsgSize = maxUser
	ch.info.MaxFragmentSize = ch.maxPayload
	ch.info.PeerHostName = st.PeerHostName
	ch.info.PeerIPAddress = st.PeerIPAddress
	ch.info.PeerComponentVersion = st.PeerComponentVersion

	if st.Protocol == stages.ProtocolRIPC {
		ch.info.Version = st.Version.String()
	} else {
		ch.info.Subprotocol = st.SubprotocolName
	}
}
