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

package netpoll

// IOEvent tags which direction(s) became ready, or that the fd hit an
// error/EOF condition, mirroring the kqueue poller's EVFilter argument to
// PollAttachment.Callback.
type IOEvent int16

const (
	IOEventRead IOEvent = 1 << iota
	IOEventWrite
	IOEventErr
)

// PollAttachment binds a raw fd to the callback the poller invokes when
// that fd becomes ready; it is stored as epoll_event.data via an index into
// the poller's attachment table.
type PollAttachment struct {
	FD       int
	Callback func(fd int, event IOEvent) error
}

const (
	// InitPollEventsCap is the initial capacity of the epoll_wait event
	// buffer; it grows and shrinks with observed load.
	InitPollEventsCap = 128
	// MaxAsyncTasksAtOneTime bounds how many low-priority tasks are run per
	// wakeup before yielding back to polling, so task floods can't starve I/O.
	MaxAsyncTasksAtOneTime = 256
)
