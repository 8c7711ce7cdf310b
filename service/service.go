// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2019 Andy Pan
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

// Package service implements the single-owner-thread worker discipline the
// rest of the runtime is built on: a Handle pins one goroutine to a task
// mailbox buffered to 1024 tasks, and every piece of service-local state
// may only be touched by a task running on that goroutine.
package service

import (
	"sync"
	"sync/atomic"
	"time"

	perrors "github.com/pkg/errors"

	"github.com/hydranet/hydranet/metrics"
	hyerrors "github.com/hydranet/hydranet/pkg/errors"
	"github.com/hydranet/hydranet/pkg/logging"
	"github.com/hydranet/hydranet/timingwheel"
)

// tickInterval is how often Run advances the handle's timing wheel; it
// matches the wheel's 1ms slot granularity closely enough that scheduled
// timeouts fire within a tick of their deadline.
const tickInterval = time.Millisecond

// statsSamplePeriod throttles gauge exports to once every 100 ticks (~100ms)
// rather than every tick, since Prometheus scrapes on the order of seconds.
const statsSamplePeriod = 100

// State is a ServiceHandle's lifecycle stage. A handle transitions
// monotonically toward Closed; no transition skips backward.
type State int32

const (
	Idle State = iota
	Init
	Start
	Run
	Finishing
	Finish
	Closing
	Closed
	Lost
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Init:
		return "init"
	case Start:
		return "start"
	case Run:
		return "run"
	case Finishing:
		return "finishing"
	case Finish:
		return "finish"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// Token is handed to every task the mailbox loop runs; it is the only
// evidence a caller has that it is executing on the owning Handle's
// goroutine. Go goroutines aren't OS-thread-pinned, so unlike a native
// is_in_service_thread() check this can't be forged by inspecting the
// runtime — it can only be obtained by being invoked from inside the loop.
type Token struct {
	h *Handle
}

// TaskFunc is one unit of work the service loop runs to completion before
// picking up the next; it receives the Token proving it's on-thread.
type TaskFunc func(tok Token)

// Handle is one single-threaded worker: an id, a lifecycle state, a task
// mailbox, and a private timing wheel driving its own timeouts/reconnects.
type Handle struct {
	id    string
	state int32 // atomic State
	busy  int32 // atomic bool, set while a task's call stack is executing

	mailbox chan TaskFunc
	done    chan struct{}

	closeOnce sync.Once
	clock     *timingwheel.Wheel
}

// New allocates a Handle in the Idle state. Run must be called once, in its
// own goroutine, to start draining the mailbox.
func New(id string) *Handle {
	return &Handle{
		id:      id,
		state:   int32(Idle),
		mailbox: make(chan TaskFunc, 1024),
		done:    make(chan struct{}),
		clock:   timingwheel.New(),
	}
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) State() State { return State(atomic.LoadInt32(&h.state)) }

func (h *Handle) setState(s State) { atomic.StoreInt32(&h.state, int32(s)) }

// Clock exposes the handle's private timing wheel; timers scheduled on it
// fire on this handle's own goroutine, from Run's tick loop rather than
// through the mailbox.
func (h *Handle) Clock() *timingwheel.Wheel { return h.clock }

// Post enqueues fn to run on the owning goroutine. Safe from any goroutine.
// The mailbox is not unbounded: while it holds 1024 pending tasks, Post
// blocks until Run takes one or the handle closes.
// Returns ErrServiceClosed once the handle has started shutting down.
func (h *Handle) Post(fn TaskFunc) error {
	if h.State() >= Closing {
		return hyerrors.ErrServiceClosed
	}
	select {
	case h.mailbox <- fn:
		return nil
	case <-h.done:
		return hyerrors.ErrServiceClosed
	}
}

// Run drains the mailbox until Close is called and the queue empties. It
// must be invoked on the goroutine meant to own this handle's state, and
// does not return until that goroutine is free to exit.
func (h *Handle) Run() {
	h.setState(Start)
	tok := Token{h: h}
	h.setState(Run)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	last := time.Now()
	var ticks int

	for {
		select {
		case fn := <-h.mailbox:
			h.runTask(tok, fn)
		case now := <-ticker.C:
			h.clock.Update(now.Sub(last))
			last = now
			ticks++
			if ticks%statsSamplePeriod == 0 {
				metrics.Stats.ServiceQueueDepth.WithLabelValues(h.id).Set(float64(len(h.mailbox)))
				metrics.Stats.TimingWheelLen.WithLabelValues(h.id).Set(float64(h.clock.Len()))
			}
		case <-h.done:
			h.drain(tok)
			h.setState(Closed)
			return
		}
	}
}

func (h *Handle) runTask(tok Token, fn TaskFunc) {
	atomic.StoreInt32(&h.busy, 1)
	defer atomic.StoreInt32(&h.busy, 0)
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("[%s] task panicked: %v", h.id, r)
		}
	}()
	fn(tok)
}

// Busy reports whether h's own goroutine is currently executing a task.
// True exactly during the dynamic extent of that task's call stack, which
// is the closest Go gets to is_in_service_thread() without a goroutine-local:
// good enough to reject a blocking call made synchronously from a handler.
func (h *Handle) Busy() bool { return atomic.LoadInt32(&h.busy) == 1 }

func (h *Handle) drain(tok Token) {
	for {
		select {
		case fn := <-h.mailbox:
			h.runTask(tok, fn)
		default:
			return
		}
	}
}

// Close requests shutdown: Finishing/Finish/Closing transitions happen
// synchronously here since they're bookkeeping only, then Run's loop drains
// whatever remains in the mailbox and exits.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.setState(Finishing)
		h.setState(Finish)
		h.setState(Closing)
		close(h.done)
	})
}

// InThread reports whether tok was minted by h's own Run loop.
func (h *Handle) InThread(tok Token) bool { return tok.h == h }

// MustBeInThread returns an error unless tok proves the caller is running
// on h's own goroutine, the Go analogue of is_in_service_thread().
func (h *Handle) MustBeInThread(tok Token) error {
	if !h.InThread(tok) {
		return perrors.Wrapf(hyerrors.ErrNotInServiceGoroutine, "service %q", h.id)
	}
	return nil
}
