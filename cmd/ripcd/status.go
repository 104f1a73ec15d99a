// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ripc-go/pkg/transport"
)

// statusApi is a read-only RESTful view on a Context's channels.
type statusApi struct {
	ctx    *transport.Context
	router *mux.Router
	server *http.Server
}

// newStatusApi creates a statusApi to be bound to addr.
func newStatusApi(ctx *transport.Context, addr string) (sa *statusApi) {
	sa = &statusApi{
		ctx:    ctx,
		router: mux.NewRouter(),
	}

	sa.router.HandleFunc("/channels", sa.handleChannels).Methods(http.MethodGet)
	sa.router.HandleFunc("/channels/{id}", sa.handleChannel).Methods(http.MethodGet)

	sa.server = &http.Server{
		Addr:    addr,
		Handler: sa,
	}
	return
}

// ServeHTTP is a http.Handler.
func (sa *statusApi) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sa.router.ServeHTTP(w, r)
}

func (sa *statusApi) start() {
	go func() {
		log.WithField("address", sa.server.Addr).Info("Starting status API")

		if err := sa.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Status API errored")
		}
	}()
}

// handleChannels processes /channels GET requests.
func (sa *statusApi) handleChannels(w http.ResponseWriter, _ *http.Request) {
	sa.writeJson(w, sa.ctx.Channels())
}

// handleChannel processes /channels/{id} GET requests.
func (sa *statusApi) handleChannel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ch, ok := sa.ctx.Channel(id)
	if !ok {
		log.WithField("id", id).Debug("Status request for an unknown channel")
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	sa.writeJson(w, ch.Info())
}

func (sa *statusApi) writeJson(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write status response")
	}
}

// Close the HTTP server.
func (sa *statusApi) Close() {
	if err := sa.server.Close(); err != nil {
		log.WithError(err).Warn("Closing status API errored")
	}
}
