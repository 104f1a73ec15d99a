// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ripc-go/pkg/transport/internal/compress"
	"github.com/dtn7/ripc-go/pkg/transport/internal/framing"
	"github.com/dtn7/ripc-go/pkg/transport/internal/msgs"
	"github.com/dtn7/ripc-go/pkg/transport/internal/reader"
	"github.com/dtn7/ripc-go/pkg/transport/internal/stages"
	"github.com/dtn7/ripc-go/pkg/transport/internal/wsframe"
)

// State of a Channel: InProgress during the handshake, then Active or Inactive.
type State = stages.Status

const (
	InProgress = stages.InProgress
	Active     = stages.Active
	Inactive   = stages.Inactive
)

// Channel is one RIPC or WebSocket connection. It is a single-threaded state machine: its methods must not be called
// concurrently, except for Info.
type Channel struct {
	stats   Stats
	rbufCap int64

	id     uuid.UUID
	ctx    *Context
	client bool
	sock   Socket
	opts   BufferOptions

	handler *stages.StageHandler
	state   uint32
	err     error
	closed  bool

	framer     framing.Framer
	codec      compress.Codec
	zbuf       []byte
	writeUnit  int
	maxPayload int

	rbuf   *reader.Buffer
	engine *reader.Engine
	growth reader.GrowthPolicy

	wq         *queue.Queue
	wpos       int
	queued     int
	buffers    int32
	nextFragId uint16

	infoMutex sync.Mutex
	info      ChannelInfo

	logger *log.Entry
}

func newChannel(ctx *Context, sock Socket, client bool, opts BufferOptions) *Channel {
	ch := &Channel{
		id:     uuid.New(),
		ctx:    ctx,
		client: client,
		sock:   sock,
		opts:   opts,
	}

	ch.info = ChannelInfo{
		Id:                      ch.id.String(),
		Client:                  client,
		GuaranteedOutputBuffers: opts.GuaranteedOutputBuffers,
		GrowthPolicy:            opts.GrowthPolicy,
		Created:                 time.Now(),
	}
	if addrSock, ok := sock.(interface {
		LocalAddr() net.Addr
		RemoteAddr() net.Addr
	}); ok {
		ch.info.LocalAddr = addrSock.LocalAddr().String()
		ch.info.RemoteAddr = addrSock.RemoteAddr().String()
	}

	ch.logger = ctx.logger.WithField("channel", ch.String())
	return ch
}

func (ch *Channel) start(setups []stages.StageSetup, conf stages.Configuration) {
	ch.handler = stages.NewStageHandler(setups, conf, ch.logger)
	ch.updatePhase()
	ch.ctx.register(ch)

	ch.log().Debug("Starting channel handshake")
}

func (ch *Channel) String() string {
	side := "server"
	if ch.client {
		side = "client"
	}
	if ch.info.RemoteAddr != "" {
		return fmt.Sprintf("%s(%s, %s)", side, ch.id, ch.info.RemoteAddr)
	}
	return fmt.Sprintf("%s(%s)", side, ch.id)
}

func (ch *Channel) log() *log.Entry {
	return ch.logger
}

// Id of this Channel.
func (ch *Channel) Id() string {
	return ch.id.String()
}

// State of this Channel.
func (ch *Channel) State() State {
	return State(atomic.LoadUint32(&ch.state))
}

func (ch *Channel) setState(s State) {
	atomic.StoreUint32(&ch.state, uint32(s))
}

// Err is the terminal error of an Inactive Channel, if any.
func (ch *Channel) Err() error {
	return ch.err
}

// Init drives the handshake. It is called whenever the socket is ready until Active or Inactive is returned.
func (ch *Channel) Init() (State, error) {
	if s := ch.State(); s != InProgress {
		if s == Inactive && ch.err == nil {
			return s, ErrChannelInactive
		}
		return s, ch.err
	}

	status, err := ch.handler.Advance(ch.sock)
	ch.updatePhase()

	switch status {
	case stages.Active:
		if err := ch.activate(); err != nil {
			return Inactive, ch.fail(err)
		}

	case stages.Inactive:
		ch.shutdown(err)
	}

	return status, err
}

// activate the read and write paths with the handshake's negotiated parameters.
func (ch *Channel) activate() error {
	st := ch.handler.State()

	maxUser := int(st.MaxUserMsgSize)
	if maxUser == 0 {
		maxUser = defaultMaxUserMsgSize
	}

	var readUnit int
	switch st.Protocol {
	case stages.ProtocolRIPC:
		ch.framer = framing.NewRIPC(st.Version)
		ch.writeUnit = maxUser + msgs.HeaderLen
		if ch.writeUnit > msgs.MaxMessageLen {
			ch.writeUnit = msgs.MaxMessageLen
		}
		ch.maxPayload = maxUser - msgs.PackedHeaderLen
		readUnit = msgs.MaxMessageLen

		if st.Compression != compress.None {
			codec, err := compress.New(st.Compression, int(st.CompressionLevel))
			if err != nil {
				return err
			}
			ch.codec = codec
		}

	case stages.ProtocolWebSocket:
		ch.framer = framing.NewWebSocket(st.Subprotocol, ch.client, st.Deflate)
		ch.writeUnit = maxUser + wsframe.HeaderLen(uint64(maxUser), ch.client)
		ch.maxPayload = maxUser
		readUnit = ch.opts.MaxMessageSize + wsframe.MaxHeaderLen

		if st.Deflate {
			ch.codec = compress.NewDeflate(int(st.CompressionLevel))
		}

	default:
		return fmt.Errorf("unsupported protocol %v", st.Protocol)
	}

	maxRead := ch.opts.MaxReadBufferSize
	if maxRead == 0 {
		maxRead = 2 * readUnit
	}
	growth, err := reader.ParseGrowthPolicy(ch.opts.GrowthPolicy, maxRead)
	if err != nil {
		return err
	}
	ch.growth = growth

	leftover := st.Leftover()
	size := ch.opts.ReadBufferSize
	if len(leftover) > size {
		size = len(leftover)
	}
	ch.rbuf = reader.NewBuffer(size)
	ch.rbuf.Fill(leftover)
	atomic.StoreInt64(&ch.rbufCap, int64(ch.rbuf.Cap()))

	ch.engine, err = reader.NewEngine(reader.Config{
		Framer:        ch.framer,
		Codec:         ch.codec,
		MaxUnitLen:    readUnit,
		MaxMessageLen: ch.opts.MaxMessageSize,
	}, ch.logger)
	if err != nil {
		return err
	}

	ch.wq = queue.New()
	ch.updateNegotiated(st, maxUser)
	ch.setState(Active)

	ch.log().WithFields(log.Fields{
		"framer":      ch.framer,
		"compression": st.Compression,
		"ping":        st.PingTimeout,
	}).Info("Channel is active")
	return nil
}

// fail the Channel terminally.
func (ch *Channel) fail(err error) error {
	ch.log().WithError(err).Error("Channel failed")
	ch.shutdown(err)
	return err
}

// shutdown releases the Channel's resources and closes its socket.
func (ch *Channel) shutdown(err error) {
	if ch.closed {
		return
	}
	ch.closed = true

	if err != nil && ch.err == nil {
		ch.err = err
	}
	ch.setState(Inactive)
	ch.updatePhase()

	ch.rbuf = nil
	ch.wq = nil
	ch.queued, ch.wpos = 0, 0
	atomic.StoreInt32(&ch.buffers, 0)

	if closeErr := ch.sock.Close(); closeErr != nil {
		ch.log().WithError(closeErr).Debug("Closing the socket errored")
	}
	ch.ctx.unregister(ch)

	ch.log().Info("Channel was closed")
}

// Close the Channel. An active WebSocket channel sends a CLOSE frame first, as far as the socket allows.
func (ch *Channel) Close() error {
	if ch.closed {
		return nil
	}

	if ws, ok := ch.framer.(*framing.WebSocket); ok && ch.State() == Active {
		if frame, err := ws.Control(wsframe.OpClose, wsframe.ClosePayload(wsframe.CloseNormal)); err == nil {
			ch.enqueue(frame)
			_, _ = ch.flush()
		}
	}

	ch.shutdown(nil)
	return nil
}

// Ping sends the protocol's keepalive message.
func (ch *Channel) Ping() error {
	if ch.State() != Active {
		return ErrChannelInactive
	}

	ch.enqueue(ch.framer.Ping())
	atomic.AddUint64(&ch.stats.PingsSent, 1)

	_, err := ch.Flush()
	return err
}
