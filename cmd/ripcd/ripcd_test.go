// SPDX-FileCopyrightText: 2023 ripc-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ripc-go/pkg/transport"
)

func randomTcpPort(t *testing.T) (port int) {
	if addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	} else if l, err := net.ListenTCP("tcp", addr); err != nil {
		t.Fatal(err)
	} else {
		port = l.Addr().(*net.TCPAddr).Port
		_ = l.Close()
	}
	return
}

func testActivate(t *testing.T, chs ...*transport.Channel) {
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); {
		active := 0
		for _, ch := range chs {
			st, err := ch.Init()
			if err != nil && !errors.Is(err, transport.ErrWouldBlock) {
				t.Fatal(err)
			} else if st == transport.Active {
				active++
			}
		}
		if active == len(chs) {
			return
		}
	}
	t.Fatal("channels did not become active")
}

func TestStatusApi(t *testing.T) {
	ctx := transport.NewContext(transport.ContextOptions{})

	a, b := transport.Pipe(0)
	client, err := ctx.ConnectSocket(a, transport.ConnectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	server, err := ctx.AcceptSocket(b, transport.BindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	testActivate(t, client, server)

	sa := newStatusApi(ctx, "")
	httpServer := httptest.NewServer(sa)
	defer httpServer.Close()

	resp, err := http.Get(httpServer.URL + "/channels")
	if err != nil {
		t.Fatal(err)
	}

	var infos []transport.ChannelInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if len(infos) != 2 {
		t.Fatalf("expected two channels, got %v", infos)
	}

	resp, err = http.Get(fmt.Sprintf("%s/channels/%s", httpServer.URL, client.Id()))
	if err != nil {
		t.Fatal(err)
	}

	var info transport.ChannelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if info.Id != client.Id() || !info.Client || info.Phase != "active" {
		t.Fatalf("unexpected channel info %v", info)
	}

	resp, err = http.Get(httpServer.URL + "/channels/nope")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown channel resulted in %d", resp.StatusCode)
	}
}

func TestRelayEcho(t *testing.T) {
	ctx := transport.NewContext(transport.ContextOptions{})

	listen := transport.BindOptions{Address: fmt.Sprintf("127.0.0.1:%d", randomTcpPort(t))}
	r, err := newRelay(ctx, &listen, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	clientCtx := transport.NewContext(transport.ContextOptions{})
	client, err := clientCtx.Connect(transport.ConnectOptions{
		Address:     listen.Address,
		Compression: transport.CompressionLZ4,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	testActivate(t, client)

	rand.Seed(0)
	for _, size := range []int{1, 1000, 100000} {
		msg := make([]byte, size)
		rand.Read(msg)

		wb, err := client.GetBuffer(size, false)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = wb.Write(msg)

		pending, err := client.Write(wb)
		if err != nil {
			t.Fatal(err)
		}

		var echo []byte
		for deadline := time.Now().Add(5 * time.Second); echo == nil && time.Now().Before(deadline); {
			if pending > 0 {
				if pending, err = client.Flush(); err != nil {
					t.Fatal(err)
				}
			}

			d, err := client.Read()
			if errors.Is(err, transport.ErrWouldBlock) {
				continue
			} else if err != nil {
				t.Fatal(err)
			} else if d.Event == transport.EventData {
				echo = append([]byte{}, d.Data...)
			}
		}

		if !bytes.Equal(echo, msg) {
			t.Fatalf("echo of %d bytes differs", size)
		}
	}
}

func TestConfigWatcher(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "ripcd.toml")
	if err := os.WriteFile(filename, []byte("[logging]\nlevel = \"info\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	logger := log.New()
	logger.SetLevel(log.InfoLevel)

	cw, err := watchConfig(filename, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer cw.Close()

	if err := os.WriteFile(filename, []byte("[logging]\nlevel = \"debug\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); {
		if logger.GetLevel() == log.DebugLevel {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("log level is still %v", logger.GetLevel())
}
