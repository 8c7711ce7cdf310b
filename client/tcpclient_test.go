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

package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hydranet/hydranet/network"
	"github.com/hydranet/hydranet/packet"
	"github.com/hydranet/hydranet/service"
)

func TestTcpClientReconnectsAfterLossWithFixedDelay(t *testing.T) {
	h := service.New("tcp-client-test")
	ns, err := service.NewNetService(h)
	require.NoError(t, err)

	go h.Run()
	defer h.Close()
	go func() { _ = ns.Reactor().Run(func() {}, func() {}) }()
	defer ns.Reactor().Close()

	var mu sync.Mutex
	var acceptedConns []*network.TcpConn

	ln, err := ns.Listen("tcp", "127.0.0.1:0", service.ConnHooks{
		Typ: packet.Server,
		OnEstablish: func(c *network.TcpConn) {
			mu.Lock()
			acceptedConns = append(acceptedConns, c)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer ln.Close()

	var establishCount int32Counter
	var lostCount int32Counter

	c := NewTcpClient(h, ns, ln.Addr().String(), service.ConnHooks{Typ: packet.Client},
		func(*network.TcpConn) { establishCount.inc() },
		func(error) { lostCount.inc() },
	)
	require.NoError(t, c.Connect())

	require.Eventually(t, func() bool {
		return establishCount.get() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, Connected, c.State())

	mu.Lock()
	require.Len(t, acceptedConns, 1)
	first := acceptedConns[0]
	mu.Unlock()
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		return lostCount.get() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return establishCount.get() == 2
	}, 7*time.Second, 10*time.Millisecond)

	c.Close()
}

// TestTcpClientAutoReconnectOffSkipsReschedule covers the auto_reconnect
// toggle: with it disabled, a loss must not schedule a reconnect attempt.
func TestTcpClientAutoReconnectOffSkipsReschedule(t *testing.T) {
	h := service.New("tcp-client-test-no-reconnect")
	ns, err := service.NewNetService(h)
	require.NoError(t, err)

	go h.Run()
	defer h.Close()
	go func() { _ = ns.Reactor().Run(func() {}, func() {}) }()
	defer ns.Reactor().Close()

	var mu sync.Mutex
	var acceptedConns []*network.TcpConn

	ln, err := ns.Listen("tcp", "127.0.0.1:0", service.ConnHooks{
		Typ: packet.Server,
		OnEstablish: func(c *network.TcpConn) {
			mu.Lock()
			acceptedConns = append(acceptedConns, c)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer ln.Close()

	var establishCount int32Counter
	var lostCount int32Counter

	c := NewTcpClient(h, ns, ln.Addr().String(), service.ConnHooks{Typ: packet.Client},
		func(*network.TcpConn) { establishCount.inc() },
		func(error) { lostCount.inc() },
	)
	c.SetAutoReconnect(false)
	require.NoError(t, c.Connect())

	require.Eventually(t, func() bool {
		return establishCount.get() == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Len(t, acceptedConns, 1)
	first := acceptedConns[0]
	mu.Unlock()
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		return lostCount.get() == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(6 * time.Second)
	require.Equal(t, 1, establishCount.get())
	require.Equal(t, Disconnected, c.State())

	c.Close()
}

type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int32Counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
