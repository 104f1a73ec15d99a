// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ripc-go/pkg/transport"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := transport.LoadConfig(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}
	conf.Logging.Apply(log.StandardLogger())

	ctx := transport.NewContext(transport.ContextOptions{ComponentVersion: componentVersion})

	r, err := newRelay(ctx, conf.Listen, conf.Peers)
	if err != nil {
		log.WithError(err).Fatal("Failed to start relay")
	}

	var status *statusApi
	if conf.Status.Listen != "" {
		status = newStatusApi(ctx, conf.Status.Listen)
		status.start()
	}

	watcher, err := watchConfig(os.Args[1], log.StandardLogger())
	if err != nil {
		log.WithError(err).Warn("Failed to watch the configuration file; logging changes need a restart")
	}

	waitSigint()
	log.Info("Shutting down..")

	if watcher != nil {
		watcher.Close()
	}
	if status != nil {
		status.Close()
	}
	r.Close()
}
