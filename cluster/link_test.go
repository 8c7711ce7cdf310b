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

package cluster

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	perrors "github.com/hydranet/hydranet/pkg/errors"
	"github.com/hydranet/hydranet/service"
)

func newTestNetService(t *testing.T, name string) (*service.Handle, *service.NetService) {
	t.Helper()
	h := service.New(name)
	ns, err := service.NewNetService(h)
	require.NoError(t, err)
	go h.Run()
	t.Cleanup(h.Close)
	go func() { _ = ns.Reactor().Run(func() {}, func() {}) }()
	t.Cleanup(func() { _ = ns.Reactor().Close() })
	return h, ns
}

// TestClusterHandshakePopulatesBothNodeMaps covers node A (id=101) dialing
// node B (id=202): A sends InnerNodeHandshake, B replies InnerNodeInfoNtf,
// and each side's node map ends up holding the other's NodeData with its
// ready callback fired exactly once.
func TestClusterHandshakePopulatesBothNodeMaps(t *testing.T) {
	hA, nsA := newTestNetService(t, "cluster-a")
	hB, nsB := newTestNetService(t, "cluster-b")

	var mu sync.Mutex
	var aReadyCount, bReadyCount int

	linkA := NewLink(hA, nsA, 101,
		func(nid uint64) { mu.Lock(); aReadyCount++; mu.Unlock() },
		func(uint64) {}, nil)
	linkB := NewLink(hB, nsB, 202,
		func(nid uint64) { mu.Lock(); bReadyCount++; mu.Unlock() },
		func(uint64) {}, nil)

	lnB, err := linkB.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer lnB.Close()

	require.NoError(t, linkA.Connect(lnB.Addr().String()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return aReadyCount == 1 && bReadyCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	nodeB, ok := linkA.Node(202)
	require.True(t, ok)
	require.Equal(t, uint64(202), nodeB.Nid)

	nodeA, ok := linkB.Node(101)
	require.True(t, ok)
	require.Equal(t, uint64(101), nodeA.Nid)

	mu.Lock()
	require.Equal(t, 1, aReadyCount)
	require.Equal(t, 1, bReadyCount)
	mu.Unlock()
}

func TestCallRPCRoutesReplyBackToCaller(t *testing.T) {
	hA, nsA := newTestNetService(t, "cluster-rpc-a")
	hB, nsB := newTestNetService(t, "cluster-rpc-b")

	linkA := NewLink(hA, nsA, 1, func(uint64) {}, func(uint64) {}, nil)
	linkB := NewLink(hB, nsB, 2, func(uint64) {}, func(uint64) {},
		func(fromNid uint64, cmd int32, payload []byte, reply func([]byte, error)) {
			reply(append([]byte("echo:"), payload...), nil)
		})

	lnB, err := linkB.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer lnB.Close()

	require.NoError(t, linkA.Connect(lnB.Addr().String()))

	require.Eventually(t, func() bool {
		_, ok := linkA.Node(2)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	var mu sync.Mutex
	var gotReply []byte
	var gotErr error
	done := false
	require.NoError(t, linkA.CallRPC(2, 7, []byte("hi"), func(reply []byte, err error) {
		mu.Lock()
		gotReply = reply
		gotErr = err
		done = true
		mu.Unlock()
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.NoError(t, gotErr)
	require.Equal(t, "echo:hi", string(gotReply))
	mu.Unlock()
}

func TestCallRPCToUnknownNodeFailsFast(t *testing.T) {
	h, ns := newTestNetService(t, "cluster-rpc-unknown")
	link := NewLink(h, ns, 1, func(uint64) {}, func(uint64) {}, nil)
	err := link.CallRPC(999, 1, nil, func([]byte, error) {})
	require.ErrorIs(t, err, perrors.ErrUnknownNode)
}

func TestWaitConnectedFiresOnceNodeJoins(t *testing.T) {
	hA, nsA := newTestNetService(t, "cluster-wait-a")
	hB, nsB := newTestNetService(t, "cluster-wait-b")

	linkA := NewLink(hA, nsA, 1, func(uint64) {}, func(uint64) {}, nil)
	linkB := NewLink(hB, nsB, 2, func(uint64) {}, func(uint64) {}, nil)

	lnB, err := linkB.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer lnB.Close()

	var mu sync.Mutex
	fired := false
	linkA.WaitConnected([]uint64{2}, func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	mu.Lock()
	require.False(t, fired)
	mu.Unlock()

	require.NoError(t, linkA.Connect(lnB.Addr().String()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired
	}, 2*time.Second, 10*time.Millisecond)
}
