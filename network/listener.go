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
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/hydranet/hydranet/internal/netpoll"
	"github.com/hydranet/hydranet/internal/socket"
	"github.com/hydranet/hydranet/packet"
)

// Listener owns one passive socket's reactor resource. Its lifecycle is
// tied to whatever TcpServer/WsServer created it: Close tears down the
// listening fd, but already-accepted conns live on independently.
type Listener struct {
	id      int
	fd      int
	addr    net.Addr
	typ     packet.Type
	reactor *Reactor
}

// Listen binds and starts listening on address, registering the accept
// callback with the reactor. id is an opaque label surfaced on every
// Accepted event so a server with multiple listeners can tell them apart.
func Listen(r *Reactor, id int, network, address string, typ packet.Type) (*Listener, error) {
	fd, addr, err := socket.TCPSocket(network, address, true,
		socket.Option{SetSockOpt: socket.SetReuseAddr, Opt: 1},
	)
	if err != nil {
		return nil, err
	}
	l := &Listener{id: id, fd: fd, addr: addr, typ: typ, reactor: r}
	pa := &netpoll.PollAttachment{FD: fd, Callback: l.accept}
	if err := r.poller.AddRead(pa); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return l, nil
}

// Addr reports the bound local address, useful when address was ":0".
func (l *Listener) Addr() net.Addr { return l.addr }

// Type reports the packet type new connections off this listener carry.
func (l *Listener) Type() packet.Type { return l.typ }

// Close stops accepting new connections on this listener.
func (l *Listener) Close() error {
	if err := l.reactor.poller.Delete(l.fd); err != nil {
		return err
	}
	return os.NewSyscallError("close", unix.Close(l.fd))
}

func (l *Listener) accept(_ int, _ netpoll.IOEvent) error {
	for {
		nfd, sa, err := unix.Accept(l.fd)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return os.NewSyscallError("accept", err)
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			_ = unix.Close(nfd)
			continue
		}
		if err := setCommonOptions(nfd); err != nil {
			_ = unix.Close(nfd)
			continue
		}
		peer := socket.SockaddrToTCPOrUnixAddr(sa)
		id := l.reactor.allocID()
		if err := l.reactor.registerFD(nfd, id); err != nil {
			_ = unix.Close(nfd)
			continue
		}
		listenerID, local := l.id, l.addr
		l.reactor.post(func() { l.reactor.sink.Accepted(listenerID, id, local, peer, nfd) })
	}
}
