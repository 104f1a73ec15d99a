// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// ripccat sends each line of stdin as a message to a RIPC or WebSocket peer and prints the received messages.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ripc-go/pkg/transport"
)

const (
	pollInterval = 5 * time.Millisecond
	lingerTime   = time.Second
)

func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage: %s host:port | configuration.toml\n\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "A configuration file's first [[peer]] block is used.\n")
	os.Exit(1)
}

func printFatal(err error, msg string) {
	_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

// connectOptions from either an address or a configuration file.
func connectOptions(arg string) (transport.ConnectOptions, error) {
	if !strings.HasSuffix(arg, ".toml") {
		return transport.ConnectOptions{Address: arg}, nil
	}

	conf, err := transport.LoadConfig(arg)
	if err != nil {
		return transport.ConnectOptions{}, err
	}
	conf.Logging.Apply(log.StandardLogger())

	if len(conf.Peers) == 0 {
		return transport.ConnectOptions{}, fmt.Errorf("%s has no peer", arg)
	}
	return conf.Peers[0], nil
}

// readLines from stdin until EOF, which closes the channel.
func readLines(lines chan<- string) {
	defer close(lines)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Warn("Reading stdin errored")
	}
}

func send(ch *transport.Channel, line string) error {
	if line == "" {
		return nil
	}

	wb, err := ch.GetBuffer(len(line), false)
	if err != nil {
		return err
	}
	if _, err = wb.Write([]byte(line)); err != nil {
		wb.Release()
		return err
	}

	_, err = ch.Write(wb)
	return err
}

// receive and print all available messages; false is returned if the channel is gone.
func receive(ch *transport.Channel) (bool, error) {
	for {
		d, err := ch.Read()
		if errors.Is(err, transport.ErrWouldBlock) {
			return true, nil
		} else if err != nil {
			return false, err
		}

		switch d.Event {
		case transport.EventData:
			fmt.Println(string(d.Data))
		case transport.EventClose:
			return false, nil
		}
	}
}

func main() {
	if len(os.Args) != 2 {
		printUsage()
	}

	opts, err := connectOptions(os.Args[1])
	if err != nil {
		printFatal(err, "Parsing options errored")
	}

	ctx := transport.NewContext(transport.ContextOptions{ComponentVersion: "ripccat"})
	ch, err := ctx.Connect(opts)
	if err != nil {
		printFatal(err, "Connecting errored")
	}
	defer ch.Close()

	for st := transport.InProgress; st != transport.Active; {
		if st, err = ch.Init(); err != nil && !errors.Is(err, transport.ErrWouldBlock) {
			printFatal(err, "Handshake errored")
		} else if st == transport.Inactive {
			printFatal(ch.Err(), "Handshake errored")
		}
		time.Sleep(pollInterval)
	}

	lines := make(chan string)
	go readLines(lines)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var linger <-chan time.Time
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				linger = time.After(lingerTime)
				continue
			}
			if err := send(ch, line); err != nil {
				printFatal(err, "Sending errored")
			}

		case <-ticker.C:
			if _, err := ch.Flush(); err != nil {
				printFatal(err, "Flushing errored")
			}
			if alive, err := receive(ch); err != nil {
				printFatal(err, "Receiving errored")
			} else if !alive {
				return
			}

		case <-linger:
			return
		}
	}
}
