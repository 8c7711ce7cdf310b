// Copyright (c) 2021 Andy Pan
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

package netpoll

import (
	"encoding/binary"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	perrors "github.com/hydranet/hydranet/pkg/errors"
	"github.com/hydranet/hydranet/pkg/logging"
)

// Poller is the single-goroutine epoll reactor core: it owns every
// registered fd's readiness notifications and the two priority queues that
// let other goroutines post work onto the reactor goroutine.
type Poller struct {
	fd                   int
	wakeFD               int
	wakeupCall           int32
	attachments          map[int]*PollAttachment
	asyncTaskQueue       *AsyncTaskQueue
	urgentAsyncTaskQueue *AsyncTaskQueue
}

// OpenPoller instantiates a poller and its wakeup eventfd.
func OpenPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	p := &Poller{
		fd:                   epfd,
		wakeFD:               wakeFD,
		attachments:          make(map[int]*PollAttachment),
		asyncTaskQueue:       NewLockFreeQueue(),
		urgentAsyncTaskQueue: NewLockFreeQueue(),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl add wakeup", err)
	}
	return p, nil
}

// Close closes the poller and its wakeup eventfd.
func (p *Poller) Close() error {
	_ = unix.Close(p.wakeFD)
	return os.NewSyscallError("close", unix.Close(p.fd))
}

func (p *Poller) wake() error {
	if atomic.CompareAndSwapInt32(&p.wakeupCall, 0, 1) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], 1)
		_, err := unix.Write(p.wakeFD, b[:])
		if err != nil && err != unix.EAGAIN {
			return os.NewSyscallError("write eventfd", err)
		}
	}
	return nil
}

func (p *Poller) drainWake() {
	var b [8]byte
	for {
		_, err := unix.Read(p.wakeFD, b[:])
		if err != nil {
			return
		}
	}
}

// UrgentTrigger enqueues a high-priority task and wakes the poller.
func (p *Poller) UrgentTrigger(fn TaskFunc, arg interface{}) error {
	task := GetTask()
	task.Run, task.Arg = fn, arg
	p.urgentAsyncTaskQueue.Enqueue(task)
	return p.wake()
}

// Trigger enqueues a low-priority task and wakes the poller.
func (p *Poller) Trigger(fn TaskFunc, arg interface{}) error {
	task := GetTask()
	task.Run, task.Arg = fn, arg
	p.asyncTaskQueue.Enqueue(task)
	return p.wake()
}

// Polling blocks the current goroutine, dispatching I/O readiness and
// posted tasks until the event handler returns a terminal error.
func (p *Poller) Polling(trick func(), msgTimeout func()) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	el := newEventList(InitPollEventsCap)
	var doChores bool

	for {
		trick()
		n, err := unix.EpollWait(p.fd, el.events, 200)
		if n == 0 || (n < 0 && err == unix.EINTR) {
			runtime.Gosched()
			msgTimeout()
			continue
		} else if err != nil {
			logging.Errorf("error occurs in epoll_wait: %v", os.NewSyscallError("epoll_wait", err))
			return err
		}

		for i := 0; i < n; i++ {
			ev := &el.events[i]
			fd := int(ev.Fd)
			if fd == p.wakeFD {
				p.drainWake()
				doChores = true
				continue
			}
			attachment, ok := p.attachments[fd]
			if !ok {
				continue
			}
			ioEv := IOEvent(0)
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
				ioEv = IOEventErr
			} else {
				if ev.Events&unix.EPOLLIN != 0 {
					ioEv |= IOEventRead
				}
				if ev.Events&unix.EPOLLOUT != 0 {
					ioEv |= IOEventWrite
				}
			}
			switch err = attachment.Callback(fd, ioEv); err {
			case nil:
			case perrors.ErrAcceptSocket, perrors.ErrEngineShutdown:
				return err
			default:
				logging.Warnf("error occurs in event-loop: %v", err)
			}
		}

		if doChores {
			doChores = false
			task := p.urgentAsyncTaskQueue.Dequeue()
			for ; task != nil; task = p.urgentAsyncTaskQueue.Dequeue() {
				switch err = task.Run(task.Arg); err {
				case nil:
				case perrors.ErrEngineShutdown:
					return err
				default:
					logging.Warnf("error occurs in urgent task: %v", err)
				}
				PutTask(task)
			}
			for i := 0; i < MaxAsyncTasksAtOneTime; i++ {
				if task = p.asyncTaskQueue.Dequeue(); task == nil {
					break
				}
				switch err = task.Run(task.Arg); err {
				case nil:
				case perrors.ErrEngineShutdown:
					return err
				default:
					logging.Warnf("error occurs in async task: %v", err)
				}
				PutTask(task)
			}
			atomic.StoreInt32(&p.wakeupCall, 0)
			if !p.asyncTaskQueue.IsEmpty() || !p.urgentAsyncTaskQueue.IsEmpty() {
				_ = p.wake()
			}
		}

		if n == el.size {
			el.expand()
		} else if n < el.size>>1 {
			el.shrink()
		}
		msgTimeout()
	}
}

// AddReadWrite registers fd for both readable and writable events.
func (p *Poller) AddReadWrite(pa *PollAttachment) error {
	p.attachments[pa.FD] = pa
	return p.ctl(unix.EPOLL_CTL_ADD, pa.FD, unix.EPOLLIN|unix.EPOLLOUT)
}

// AddRead registers fd for readable events only.
func (p *Poller) AddRead(pa *PollAttachment) error {
	p.attachments[pa.FD] = pa
	return p.ctl(unix.EPOLL_CTL_ADD, pa.FD, unix.EPOLLIN)
}

// AddWrite registers fd for writable events only.
func (p *Poller) AddWrite(pa *PollAttachment) error {
	p.attachments[pa.FD] = pa
	return p.ctl(unix.EPOLL_CTL_ADD, pa.FD, unix.EPOLLOUT)
}

// ModRead renews fd's registration to readable events only.
func (p *Poller) ModRead(pa *PollAttachment) error {
	return p.ctl(unix.EPOLL_CTL_MOD, pa.FD, unix.EPOLLIN)
}

// ModReadWrite renews fd's registration to both readable and writable events.
func (p *Poller) ModReadWrite(pa *PollAttachment) error {
	return p.ctl(unix.EPOLL_CTL_MOD, pa.FD, unix.EPOLLIN|unix.EPOLLOUT)
}

// Delete removes fd from the poller and drops its attachment.
func (p *Poller) Delete(fd int) error {
	delete(p.attachments, fd)
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

func (p *Poller) ctl(op, fd int, events uint32) error {
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, op, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)}))
}
