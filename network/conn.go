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

// Package network is the single-reactor low-level I/O core: one goroutine
// owns every raw socket, and every event it observes (accept, inbound
// bytes, disconnect, outbound connect result) is posted to the consumer
// supplied at construction rather than dispatched inline, so the reactor
// goroutine never runs application code.
package network

import (
	"net"
	"sync/atomic"

	"github.com/hydranet/hydranet/metrics"
	"github.com/hydranet/hydranet/packet"
)

// ConnId identifies one connection for the lifetime of its underlying fd.
// It is stable until the fd is closed and the OS hands the number back out.
type ConnId int

// TcpConn is the per-connection record a Listener or Connector hands to its
// owner. It is exclusively owned by whichever conn-table holds it (the
// reactor keeps no table of its own past the raw fd); all other references
// must go through ConnId lookups. The three callbacks are set by the
// conn-table owner before the connection is published and are invoked by it
// in response to the posted Accepted/Message/Disconnected events, never by
// the reactor directly.
type TcpConn struct {
	ID       ConnId
	PeerAddr net.Addr
	LocalAddr net.Addr
	Typ      packet.Type

	// ServiceHandle and NetHandle are opaque to network; higher layers
	// store their own bookkeeping here (the server package keeps each
	// connection's reassembly state in NetHandle) without network needing
	// to know their concrete types.
	ServiceHandle interface{}
	NetHandle     interface{}

	OnEstablish func(*TcpConn)
	OnRead      func(*TcpConn, []byte)
	OnLost      func(*TcpConn)

	reactor *Reactor
	fd      int
	closed  int32
}

// NewConn builds the TcpConn record for an fd the reactor already owns
// (posted via an Accepted or Connected event). The caller is responsible
// for wiring OnEstablish/OnRead/OnLost and inserting it into its conn-table
// before any Message/Disconnected event for this ConnId can be acted on.
func (r *Reactor) NewConn(id ConnId, fd int, local, peer net.Addr, typ packet.Type) *TcpConn {
	return newTcpConn(id, fd, local, peer, typ, r)
}

func newTcpConn(id ConnId, fd int, local, peer net.Addr, typ packet.Type, r *Reactor) *TcpConn {
	return &TcpConn{
		ID:        id,
		PeerAddr:  peer,
		LocalAddr: local,
		Typ:       typ,
		reactor:   r,
		fd:        fd,
	}
}

// SendBuffer enqueues data for the reactor to write back to the peer. The
// slice is owned by the reactor from this call onward; callers must not
// mutate it afterward. Safe to call from any goroutine.
func (c *TcpConn) SendBuffer(data []byte) error {
	if c.Closed() {
		return nil
	}
	metrics.Stats.BytesOut.WithLabelValues(c.Typ.String()).Add(float64(len(data)))
	return c.reactor.sendBuffer(c.fd, data)
}

// Close schedules the teardown of the underlying socket on the reactor: any
// pending outbound bytes get one best-effort flush, then the fd is fully
// closed (no half-close; the peer's remaining inbound data is not read) and
// a Disconnected event is posted. That event drives conn-table cleanup;
// this call does not fire OnLost synchronously. Safe to call from any
// goroutine.
func (c *TcpConn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return c.reactor.closeFD(c.fd)
}

// Closed reports whether Close has already been requested for this conn.
func (c *TcpConn) Closed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

func (c *TcpConn) Fd() int { return c.fd }
