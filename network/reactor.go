// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2019 Andy Pan
// Copyright (c) 2018 Joshua J Baker
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

package network

import (
	"net"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/hydranet/hydranet/buffer"
	"github.com/hydranet/hydranet/internal/netpoll"
	"github.com/hydranet/hydranet/internal/socket"
	perrors "github.com/hydranet/hydranet/pkg/errors"
	"github.com/hydranet/hydranet/pkg/logging"
)

// EventSink receives every event the reactor observes. Methods are invoked
// on whatever goroutine Post schedules them on, never on the reactor's own
// goroutine — the reactor posts, it never calls directly.
type EventSink interface {
	// Connected carries fd alongside the ConnId, same as Accepted, so the
	// conn-table owner can build the TcpConn record without a cross-
	// goroutine lookup back into the reactor.
	Connected(hd ConnId, ok bool, fd int)
	Accepted(listenerID int, hd ConnId, local, peer net.Addr, fd int)
	Message(hd ConnId, data []byte)
	Disconnected(hd ConnId, err error)
}

// fdState is the minimal per-fd bookkeeping the reactor goroutine itself
// needs: enough to read, flush a pending outbound buffer, and identify the
// ConnId for posted events. Everything else about a connection (packet
// type, callbacks, owning service) lives in the conn-table the sink keeps.
type fdState struct {
	id       ConnId
	outbound *buffer.Buffer
	connecting bool
}

// Reactor is the single-threaded epoll core. All fd registration/read/write
// happens on the goroutine that calls Run; SendBuffer/CloseConn are safe
// from any goroutine because they go through the poller's task queue.
type Reactor struct {
	poller *netpoll.Poller
	sink   EventSink
	post   func(func())

	fds     map[int]*fdState
	byID    map[ConnId]int
	readBuf []byte
	nextID  int64
}

// NewReactor opens the epoll core. sink receives every event; post is the
// function used to hand each event off (typically a service mailbox's
// enqueue), keeping the reactor goroutine free of application code.
func NewReactor(sink EventSink, post func(func())) (*Reactor, error) {
	p, err := netpoll.OpenPoller()
	if err != nil {
		return nil, err
	}
	return &Reactor{
		poller:  p,
		sink:    sink,
		post:    post,
		fds:     make(map[int]*fdState),
		byID:    make(map[ConnId]int),
		readBuf: make([]byte, 64*1024),
	}, nil
}

// Run blocks the calling goroutine, servicing I/O readiness until the event
// handler or a posted task returns a terminal error (shutdown).
func (r *Reactor) Run(trick func(), msgTimeout func()) error {
	return r.poller.Polling(trick, msgTimeout)
}

// Close releases the poller. Run must have returned before calling this.
func (r *Reactor) Close() error {
	return r.poller.Close()
}

// Shutdown asks Run to return at its next task-queue drain.
func (r *Reactor) Shutdown() error {
	return r.poller.UrgentTrigger(func(interface{}) error { return perrors.ErrEngineShutdown }, nil)
}

func (r *Reactor) allocID() ConnId {
	return ConnId(atomic.AddInt64(&r.nextID, 1))
}

// registerFD puts fd under epoll readiness tracking and records its
// bookkeeping; it must run on the reactor goroutine (from Run or a task
// posted onto the poller via Trigger).
func (r *Reactor) registerFD(fd int, id ConnId) error {
	st := &fdState{id: id}
	r.fds[fd] = st
	r.byID[id] = fd
	pa := &netpoll.PollAttachment{FD: fd, Callback: func(fd int, ev netpoll.IOEvent) error {
		return r.handleEvent(fd, ev)
	}}
	return r.poller.AddRead(pa)
}

// FD resolves a ConnId to its raw fd, for callers (TcpConn construction)
// that need it right after an Accepted/Connected event. Must be called
// from the reactor goroutine (Run, or a task queued via the poller's
// Trigger); posted event callbacks run wherever post sends them, not there.
func (r *Reactor) FD(id ConnId) (int, bool) {
	fd, ok := r.byID[id]
	return fd, ok
}

// Sockname reports the local and peer addresses of id's underlying fd.
func (r *Reactor) Sockname(id ConnId) (local, peer net.Addr) {
	fd, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	if sa, err := unix.Getsockname(fd); err == nil {
		local = socket.SockaddrToTCPOrUnixAddr(sa)
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		peer = socket.SockaddrToTCPOrUnixAddr(sa)
	}
	return local, peer
}

func (r *Reactor) handleEvent(fd int, ev netpoll.IOEvent) error {
	st, ok := r.fds[fd]
	if !ok {
		return nil
	}
	if ev&netpoll.IOEventErr != 0 {
		return r.closeFDLocked(fd, st, os.NewSyscallError("poll", unix.ECONNRESET))
	}
	if ev&netpoll.IOEventWrite != 0 {
		if st.connecting {
			return r.finishConnect(fd, st)
		}
		if err := r.flush(fd, st); err != nil {
			return err
		}
	}
	if ev&netpoll.IOEventRead != 0 {
		return r.readFD(fd, st)
	}
	return nil
}

func (r *Reactor) readFD(fd int, st *fdState) error {
	for {
		n, err := unix.Read(fd, r.readBuf)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return r.closeFDLocked(fd, st, os.NewSyscallError("read", err))
		}
		if n == 0 {
			return r.closeFDLocked(fd, st, nil)
		}
		chunk := append([]byte(nil), r.readBuf[:n]...)
		id := st.id
		r.post(func() { r.sink.Message(id, chunk) })
		if n < len(r.readBuf) {
			return nil
		}
	}
}

func (r *Reactor) flush(fd int, st *fdState) error {
	if st.outbound == nil || st.outbound.Len() == 0 {
		return r.poller.ModRead(&netpoll.PollAttachment{FD: fd})
	}
	data := st.outbound.Readable()
	n, err := unix.Write(fd, data)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return r.closeFDLocked(fd, st, os.NewSyscallError("write", err))
	}
	st.outbound.Advance(n)
	if st.outbound.Len() == 0 {
		return r.poller.ModRead(&netpoll.PollAttachment{FD: fd, Callback: func(fd int, ev netpoll.IOEvent) error {
			return r.handleEvent(fd, ev)
		}})
	}
	return nil
}

// sendBuffer is invoked off the reactor goroutine; it posts the actual
// write through the poller's task queue so the fd map is only ever touched
// on the reactor goroutine.
func (r *Reactor) sendBuffer(fd int, data []byte) error {
	return r.poller.Trigger(func(_ interface{}) error {
		st, ok := r.fds[fd]
		if !ok {
			return nil
		}
		if st.outbound == nil || st.outbound.Len() == 0 {
			n, err := unix.Write(fd, data)
			if err == nil && n == len(data) {
				return nil
			}
			if err != nil && err != unix.EAGAIN {
				return r.closeFDLocked(fd, st, os.NewSyscallError("write", err))
			}
			if st.outbound == nil {
				st.outbound = buffer.New(0, 4096)
			}
			if err == nil {
				data = data[n:]
			}
			st.outbound.Write(data)
			return r.poller.ModReadWrite(&netpoll.PollAttachment{FD: fd, Callback: func(fd int, ev netpoll.IOEvent) error {
				return r.handleEvent(fd, ev)
			}})
		}
		st.outbound.Write(data)
		return nil
	}, nil)
}

func (r *Reactor) closeFD(fd int) error {
	return r.poller.Trigger(func(_ interface{}) error {
		st, ok := r.fds[fd]
		if !ok {
			return nil
		}
		return r.closeFDLocked(fd, st, nil)
	}, nil)
}

func (r *Reactor) closeFDLocked(fd int, st *fdState, cause error) error {
	// Drain any residual outbound data before tearing the fd down, matching
	// the reactor's best-effort flush-on-close behavior.
	if st.outbound != nil {
		for st.outbound.Len() > 0 {
			n, err := unix.Write(fd, st.outbound.Readable())
			if err != nil {
				break
			}
			st.outbound.Advance(n)
		}
	}
	delete(r.fds, fd)
	delete(r.byID, st.id)
	if err := r.poller.Delete(fd); err != nil {
		logging.Warnf("failed to remove fd %d from poller: %v", fd, err)
	}
	if err := unix.Close(fd); err != nil {
		logging.Warnf("failed to close fd %d: %v", fd, os.NewSyscallError("close", err))
	}
	id := st.id
	r.post(func() { r.sink.Disconnected(id, cause) })
	return nil
}

func setCommonOptions(fd int) error {
	if err := socket.SetNoDelay(fd, 1); err != nil {
		return err
	}
	return socket.SetKeepAlivePeriod(fd, 60)
}
