// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hydranet/hydranet/codec"
	"github.com/hydranet/hydranet/network"
	"github.com/hydranet/hydranet/packet"
	"github.com/hydranet/hydranet/service"
)

func testKey() []byte {
	k := make([]byte, 64)
	for i := range k {
		k[i] = byte(i * 3)
	}
	return k
}

func newTestCipher() (*codec.Cipher, error) {
	return codec.NewCipher(testKey(), codec.DefaultWindowSize)
}

func TestTCPServerEncryptedRoundTrip(t *testing.T) {
	h := service.New("tcp-server-test")
	ns, err := service.NewNetService(h)
	require.NoError(t, err)
	go h.Run()
	defer h.Close()
	go func() { _ = ns.Reactor().Run(func() {}, func() {}) }()
	defer ns.Reactor().Close()

	var mu sync.Mutex
	var gotCmd uint16
	var gotBody []byte

	ln, err := ListenTCP(ns, "127.0.0.1:0", Hooks{
		Typ:        TypeClient,
		KeyForConn: func(*network.TcpConn) ([]byte, error) { return testKey(), nil },
		OnPacket: func(conn *network.TcpConn, p *packet.NetPacket) {
			mu.Lock()
			gotCmd = p.Cmd
			gotBody = append([]byte(nil), p.Body...)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer ln.Close()

	connected := make(chan *network.TcpConn, 1)
	err = DialTCP(ns, ln.Addr().String(), Hooks{Typ: TypeServer}, func(c *network.TcpConn, ok bool) {
		if ok {
			connected <- c
		}
	})
	require.NoError(t, err)

	var clientConn *network.TcpConn
	select {
	case clientConn = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connect never completed")
	}

	cipher, err := newTestCipher()
	require.NoError(t, err)
	require.NoError(t, EncryptAndSend(clientConn, TypeClient, 0x55, []byte("hello"), cipher))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotCmd == 0x55 && string(gotBody) == "hello"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ns.Reactor().Shutdown())
}
