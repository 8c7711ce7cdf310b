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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hydranet/hydranet/network"
	"github.com/hydranet/hydranet/packet"
	perrors "github.com/hydranet/hydranet/pkg/errors"
	"github.com/hydranet/hydranet/resp"
	"github.com/hydranet/hydranet/service"
)

// TestRedisCommanderSendAndCommitBlockingOnReactorIsRejected covers the
// deadlock guard: calling the blocking variant from inside a task running
// on the commander's own handle must fail fast instead of hanging forever
// waiting for a reply only that same goroutine could ever produce.
func TestRedisCommanderSendAndCommitBlockingOnReactorIsRejected(t *testing.T) {
	h := service.New("commander-test-reactor")
	go h.Run()
	defer h.Close()

	rc := NewRedisCommander(h, "test", "", 0)

	errc := make(chan error, 1)
	require.NoError(t, h.Post(func(service.Token) {
		_, err := rc.SendAndCommitBlocking([]string{"PING"})
		errc <- err
	}))

	select {
	case err := <-errc:
		require.ErrorIs(t, err, perrors.ErrBlockingOnReactor)
	case <-time.After(2 * time.Second):
		t.Fatal("SendAndCommitBlocking did not return from the reactor goroutine")
	}
}

// TestRedisCommanderSendAndCommitBlockingOffReactorSucceeds covers the
// normal path: called from a goroutine other than the handle's own, it
// blocks until the reply the reactor goroutine's Dispatch call produces.
func TestRedisCommanderSendAndCommitBlockingOffReactorSucceeds(t *testing.T) {
	h := service.New("commander-test-off-reactor")
	ns, err := service.NewNetService(h)
	require.NoError(t, err)
	go h.Run()
	defer h.Close()
	go func() { _ = ns.Reactor().Run(func() {}, func() {}) }()
	defer ns.Reactor().Close()

	ln, err := ns.Listen("tcp", "127.0.0.1:0", service.ConnHooks{
		Typ: packet.Redis,
		OnRead: func(c *network.TcpConn, data []byte) {
			_ = c.SendBuffer([]byte("+PONG\r\n"))
		},
	})
	require.NoError(t, err)
	defer ln.Close()

	rc := NewRedisCommander(h, "test", "", 0)
	builder := resp.NewBuilder()
	connc := make(chan *network.TcpConn, 1)

	hooks := service.ConnHooks{
		Typ: packet.Redis,
		OnEstablish: func(c *network.TcpConn) {
			rc.OnConnect(c, func() {})
			connc <- c
		},
		OnRead: func(_ *network.TcpConn, data []byte) {
			replies, err := builder.Feed(data)
			require.NoError(t, err)
			rc.Dispatch(replies)
		},
	}
	require.NoError(t, ns.Connect("tcp", ln.Addr().String(), hooks, func(*network.TcpConn, bool) {}))

	select {
	case <-connc:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never established")
	}

	reply, err := rc.SendAndCommitBlocking([]string{"PING"})
	require.NoError(t, err)
	require.Equal(t, "PONG", reply.Str)
}
