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

// fakeRedisServer replies +OK to every read, or, when reject is set, fails
// every read with -ERR invalid password, mimicking a misconfigured
// requirepass.
func fakeRedisServer(t *testing.T, ns *service.NetService, reject bool) *network.Listener {
	t.Helper()
	ln, err := ns.Listen("tcp", "127.0.0.1:0", service.ConnHooks{
		Typ: packet.Redis,
		OnRead: func(c *network.TcpConn, data []byte) {
			if reject {
				_ = c.SendBuffer([]byte("-ERR invalid password\r\n"))
				return
			}
			_ = c.SendBuffer([]byte("+OK\r\n"))
		},
	})
	require.NoError(t, err)
	return ln
}

func TestRedisClientAuthSuccessBecomesReady(t *testing.T) {
	h := service.New("redis-client-test-ok")
	ns, err := service.NewNetService(h)
	require.NoError(t, err)
	go h.Run()
	defer h.Close()
	go func() { _ = ns.Reactor().Run(func() {}, func() {}) }()
	defer ns.Reactor().Close()

	ln := fakeRedisServer(t, ns, false)
	defer ln.Close()

	var mu sync.Mutex
	var ready bool
	rc := NewRedisClient(h, ns, ln.Addr().String(), "secret", 0,
		func() { mu.Lock(); ready = true; mu.Unlock() },
		func(error) {},
	)
	require.NoError(t, rc.Connect())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ready
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, rc.Ready())

	rc.Close()
}

// TestRedisClientSelectsConfiguredDB covers the db > 0 path: AUTH must be
// followed by a SELECT for the configured index before the client reports
// ready, and the server must see both commands in order.
func TestRedisClientSelectsConfiguredDB(t *testing.T) {
	h := service.New("redis-client-test-select")
	ns, err := service.NewNetService(h)
	require.NoError(t, err)
	go h.Run()
	defer h.Close()
	go func() { _ = ns.Reactor().Run(func() {}, func() {}) }()
	defer ns.Reactor().Close()

	var mu sync.Mutex
	var seen []string
	ln, err := ns.Listen("tcp", "127.0.0.1:0", service.ConnHooks{
		Typ: packet.Redis,
		OnRead: func(c *network.TcpConn, data []byte) {
			mu.Lock()
			seen = append(seen, string(data))
			mu.Unlock()
			_ = c.SendBuffer([]byte("+OK\r\n"))
		},
	})
	require.NoError(t, err)
	defer ln.Close()

	var ready bool
	rc := NewRedisClient(h, ns, ln.Addr().String(), "secret", 3,
		func() { mu.Lock(); ready = true; mu.Unlock() },
		func(error) {},
	)
	require.NoError(t, rc.Connect())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ready
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	require.Contains(t, seen[0], "AUTH")
	require.Contains(t, seen[1], "SELECT")
	require.Contains(t, seen[1], "3")

	rc.Close()
}

// TestRedisClientAuthFailureDisconnectsAndSchedulesReconnect covers a
// connection whose password is rejected: the server's -ERR reply must close
// the conn, drop Ready back to false, and let the TcpClient beneath it pick
// up the normal reconnect-with-backoff path.
func TestRedisClientAuthFailureDisconnectsAndSchedulesReconnect(t *testing.T) {
	h := service.New("redis-client-test-bad")
	ns, err := service.NewNetService(h)
	require.NoError(t, err)
	go h.Run()
	defer h.Close()
	go func() { _ = ns.Reactor().Run(func() {}, func() {}) }()
	defer ns.Reactor().Close()

	ln := fakeRedisServer(t, ns, true)
	defer ln.Close()

	var mu sync.Mutex
	var lostCount int
	rc := NewRedisClient(h, ns, ln.Addr().String(), "bad", 0,
		func() {},
		func(error) {
			mu.Lock()
			lostCount++
			mu.Unlock()
		},
	)
	require.NoError(t, rc.Connect())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lostCount >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.False(t, rc.Ready())
	require.Equal(t, Disconnected, rc.State())

	rc.Close()
}
