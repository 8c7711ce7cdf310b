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

package service

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	hyerrors "github.com/hydranet/hydranet/pkg/errors"
)

func TestHandleRunsPostedTasksInOrder(t *testing.T) {
	h := New("test")
	go h.Run()
	defer h.Close()

	var order []int32
	done := make(chan struct{})
	for i := int32(1); i <= 3; i++ {
		i := i
		require.NoError(t, h.Post(func(tok Token) {
			require.True(t, h.InThread(tok))
			order = append(order, i)
			if i == 3 {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not run")
	}
	require.Equal(t, []int32{1, 2, 3}, order)
}

func TestHandleCloseRejectsFurtherPosts(t *testing.T) {
	h := New("test")
	go h.Run()

	h.Close()
	require.Eventually(t, func() bool {
		return h.State() == Closed
	}, time.Second, time.Millisecond)

	err := h.Post(func(Token) {})
	require.ErrorIs(t, err, hyerrors.ErrServiceClosed)
}

func TestHandleDrainsMailboxBeforeClosing(t *testing.T) {
	h := New("test")
	go h.Run()

	var ran int32
	for i := 0; i < 10; i++ {
		require.NoError(t, h.Post(func(Token) {
			atomic.AddInt32(&ran, 1)
		}))
	}
	h.Close()

	require.Eventually(t, func() bool {
		return h.State() == Closed
	}, time.Second, time.Millisecond)
	require.EqualValues(t, 10, atomic.LoadInt32(&ran))
}

func TestTokenOnlyMatchesItsOwnHandle(t *testing.T) {
	a := New("a")
	b := New("b")
	go a.Run()
	go b.Run()
	defer a.Close()
	defer b.Close()

	done := make(chan struct{})
	require.NoError(t, a.Post(func(tok Token) {
		require.True(t, a.InThread(tok))
		require.False(t, b.InThread(tok))
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}
