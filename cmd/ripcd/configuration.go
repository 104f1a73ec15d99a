// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ripc-go/pkg/transport"
)

// configWatcher re-applies the logging block whenever the configuration file changes. Other blocks need a restart.
type configWatcher struct {
	filename string
	logger   *log.Logger
	watcher  *fsnotify.Watcher

	stopSyn chan struct{}
	stopAck chan struct{}
}

// watchConfig starts a configWatcher. The file's directory is watched, as editors tend to replace files.
func watchConfig(filename string, logger *log.Logger) (cw *configWatcher, err error) {
	cw = &configWatcher{
		filename: filepath.Clean(filename),
		logger:   logger,
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}

	if cw.watcher, err = fsnotify.NewWatcher(); err != nil {
		return nil, err
	}
	if err = cw.watcher.Add(filepath.Dir(cw.filename)); err != nil {
		_ = cw.watcher.Close()
		return nil, err
	}

	go cw.handler()
	return cw, nil
}

func (cw *configWatcher) handler() {
	defer close(cw.stopAck)

	for {
		select {
		case <-cw.stopSyn:
			return

		case e, ok := <-cw.watcher.Events:
			if !ok {
				cw.logger.Error("fsnotify's Event channel was closed")
				return
			}

			if filepath.Clean(e.Name) != cw.filename || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			cw.reload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				cw.logger.Error("fsnotify's Errors channel was closed")
				return
			}

			cw.logger.WithError(err).Warn("fsnotify errored")
		}
	}
}

func (cw *configWatcher) reload() {
	conf, err := transport.LoadConfig(cw.filename)
	if err != nil {
		cw.logger.WithFields(log.Fields{
			"file":  cw.filename,
			"error": err,
		}).Warn("Ignoring changed configuration")
		return
	}

	conf.Logging.Apply(cw.logger)
	cw.logger.WithField("file", cw.filename).Info("Reloaded logging configuration")
}

// Close the configWatcher.
func (cw *configWatcher) Close() {
	close(cw.stopSyn)
	<-cw.stopAck
	_ = cw.watcher.Close()
}
