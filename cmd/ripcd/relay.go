// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ripc-go/pkg/transport"
)

const (
	componentVersion = "ripcd"

	pollInterval   = 5 * time.Millisecond
	reconnectDelay = 10 * time.Second
)

// relayChannel is a Channel driven by the relay.
type relayChannel struct {
	ch *transport.Channel
	// peer is the index of the configured peer or -1 for accepted channels.
	peer     int
	lastPing time.Time
}

// relay forwards messages between accepted channels and configured peers. Without any peer, each message is echoed
// back to its sender.
type relay struct {
	ctx   *transport.Context
	srv   *transport.Server
	peers []transport.ConnectOptions

	channels    []*relayChannel
	peerAttempt []time.Time
	connected   []bool

	stopSyn chan struct{}
	stopAck chan struct{}
}

// newRelay starts a relay. The server is optional.
func newRelay(ctx *transport.Context, listen *transport.BindOptions, peers []transport.ConnectOptions) (*relay, error) {
	r := &relay{
		ctx:         ctx,
		peers:       peers,
		peerAttempt: make([]time.Time, len(peers)),
		connected:   make([]bool, len(peers)),
		stopSyn:     make(chan struct{}),
		stopAck:     make(chan struct{}),
	}

	if listen != nil {
		srv, err := ctx.Listen(*listen)
		if err != nil {
			return nil, err
		}
		r.srv = srv

		log.WithField("address", srv.Addr()).Info("Relay is listening")
	}

	go r.handle()
	return r, nil
}

func (r *relay) handle() {
	defer close(r.stopAck)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSyn:
			for _, rc := range r.channels {
				_ = rc.ch.Close()
			}
			if r.srv != nil {
				_ = r.srv.Close()
			}
			return

		case <-ticker.C:
			r.dial()
			r.accept()
			r.poll()
		}
	}
}

// dial each configured peer without a channel, at most once per reconnectDelay.
func (r *relay) dial() {
	for i, opts := range r.peers {
		if r.connected[i] || time.Since(r.peerAttempt[i]) < reconnectDelay {
			continue
		}
		r.peerAttempt[i] = time.Now()

		ch, err := r.ctx.Connect(opts)
		if err != nil {
			log.WithFields(log.Fields{
				"peer":  opts.Address,
				"error": err,
			}).Warn("Failed to connect to peer")
			continue
		}

		r.connected[i] = true
		r.channels = append(r.channels, &relayChannel{ch: ch, peer: i})
	}
}

func (r *relay) accept() {
	if r.srv == nil {
		return
	}

	for {
		ch, err := r.srv.Accept()
		if errors.Is(err, transport.ErrWouldBlock) {
			return
		} else if err != nil {
			log.WithError(err).Warn("Failed to accept a channel")
			return
		}

		r.channels = append(r.channels, &relayChannel{ch: ch, peer: -1})
	}
}

// poll drives each channel and drops the inactive ones.
func (r *relay) poll() {
	alive := r.channels[:0]
	for _, rc := range r.channels {
		if r.step(rc) {
			alive = append(alive, rc)
			continue
		}

		_ = rc.ch.Close()
		if rc.peer >= 0 {
			r.connected[rc.peer] = false
		}
	}
	for i := len(alive); i < len(r.channels); i++ {
		r.channels[i] = nil
	}
	r.channels = alive
}

// step a single channel; false is returned if the channel is gone.
func (r *relay) step(rc *relayChannel) bool {
	logger := log.WithField("channel", rc.ch)

	switch rc.ch.State() {
	case transport.InProgress:
		st, err := rc.ch.Init()
		if err != nil && !errors.Is(err, transport.ErrWouldBlock) {
			logger.WithError(err).Info("Channel handshake failed")
			return false
		}
		if st == transport.Active {
			rc.lastPing = time.Now()
			logger.WithField("info", rc.ch.Info()).Info("Channel became active")
		}
		return st != transport.Inactive

	case transport.Active:
		return r.read(rc, logger) && r.keepalive(rc, logger)

	default:
		return false
	}
}

func (r *relay) read(rc *relayChannel, logger *log.Entry) bool {
	for {
		d, err := rc.ch.Read()
		if errors.Is(err, transport.ErrWouldBlock) {
			break
		} else if err != nil {
			logger.WithError(err).Info("Channel was lost")
			return false
		}

		switch d.Event {
		case transport.EventData:
			r.forward(rc, d.Data)

		case transport.EventClose:
			logger.WithField("code", d.CloseCode).Info("Peer closed the channel")
			return false
		}
	}

	if _, err := rc.ch.Flush(); err != nil {
		logger.WithError(err).Info("Flushing failed")
		return false
	}
	return true
}

// keepalive sends a ping after a third of the negotiated ping timeout.
func (r *relay) keepalive(rc *relayChannel, logger *log.Entry) bool {
	timeout := time.Duration(rc.ch.Info().PingTimeout) * time.Second
	if timeout == 0 || time.Since(rc.lastPing) < timeout/3 {
		return true
	}

	rc.lastPing = time.Now()
	if err := rc.ch.Ping(); err != nil {
		logger.WithError(err).Info("Sending ping failed")
		return false
	}
	return true
}

// targets of a message from a channel: the peers for accepted channels and vice versa.
func (r *relay) targets(from *relayChannel) (targets []*relayChannel) {
	if len(r.peers) == 0 {
		return []*relayChannel{from}
	}

	for _, rc := range r.channels {
		if (rc.peer < 0) != (from.peer < 0) && rc.ch.State() == transport.Active {
			targets = append(targets, rc)
		}
	}
	return
}

func (r *relay) forward(from *relayChannel, data []byte) {
	for _, rc := range r.targets(from) {
		logger := log.WithFields(log.Fields{
			"from": from.ch,
			"to":   rc.ch,
			"size": len(data),
		})

		wb, err := rc.ch.GetBuffer(len(data), false)
		if err != nil {
			logger.WithError(err).Warn("Dropping message")
			continue
		}

		if _, err := wb.Write(data); err != nil {
			wb.Release()
			logger.WithError(err).Warn("Dropping message")
			continue
		}

		if _, err := rc.ch.Write(wb); err != nil {
			logger.WithError(err).Warn("Forwarding message failed")
			continue
		}
		logger.Debug("Forwarded message")
	}
}

// Close all channels and the server.
func (r *relay) Close() {
	close(r.stopSyn)
	<-r.stopAck
}
