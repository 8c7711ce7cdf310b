// Copyright (c) 2022 The rcproxy Authors
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

package network

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/hydranet/hydranet/internal/netpoll"
	"github.com/hydranet/hydranet/internal/socket"
)

// Connector owns one outbound dial attempt's reactor resource. A TcpClient
// creates a fresh Connector per connect() call; it is single-use, matching
// the Null->Connecting transition a TcpClient drives it through.
type Connector struct {
	reactor *Reactor
}

// NewConnector binds a Connector to the reactor that will own the socket
// once Dial succeeds.
func NewConnector(r *Reactor) *Connector {
	return &Connector{reactor: r}
}

// Dial starts a non-blocking outbound TCP connect. The Connected event
// (posted through the reactor's sink) reports success or failure; on
// success fd is already registered with the reactor under hd.
func (conn *Connector) Dial(network, address string) (ConnId, error) {
	r := conn.reactor
	fd, _, err := socket.ConnectTCPSocket(network, address)
	if err != nil {
		return 0, err
	}
	if err := setCommonOptions(fd); err != nil {
		_ = unix.Close(fd)
		return 0, err
	}
	id := r.allocID()
	st := &fdState{id: id, connecting: true}
	r.fds[fd] = st
	r.byID[id] = fd
	pa := &netpoll.PollAttachment{FD: fd, Callback: func(fd int, ev netpoll.IOEvent) error {
		return r.handleEvent(fd, ev)
	}}
	if err := r.poller.AddWrite(pa); err != nil {
		delete(r.fds, fd)
		delete(r.byID, id)
		_ = unix.Close(fd)
		return 0, err
	}
	return id, nil
}

func (r *Reactor) finishConnect(fd int, st *fdState) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	st.connecting = false
	id := st.id
	if err != nil || errno != 0 {
		delete(r.fds, fd)
		delete(r.byID, id)
		_ = r.poller.Delete(fd)
		_ = unix.Close(fd)
		r.post(func() { r.sink.Connected(id, false, -1) })
		return nil
	}
	if err := r.poller.ModRead(&netpoll.PollAttachment{FD: fd}); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	r.post(func() { r.sink.Connected(id, true, fd) })
	return nil
}
