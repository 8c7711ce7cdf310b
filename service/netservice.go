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
	"net"
	"sync"
	"sync/atomic"

	"github.com/hydranet/hydranet/metrics"
	"github.com/hydranet/hydranet/network"
	"github.com/hydranet/hydranet/packet"
	"github.com/hydranet/hydranet/pkg/logging"
)

// ConnHooks are the callbacks a listener or outbound connect registers
// before a connection is published into the conn-table. OnRead is handed
// raw bytes straight off the wire; it owns reassembling them into frames
// with its own packet.Builder, since that state is per-connection, not
// something NetService tracks on the caller's behalf.
type ConnHooks struct {
	Typ         packet.Type
	OnEstablish func(*network.TcpConn)
	OnRead      func(*network.TcpConn, []byte)
	OnLost      func(*network.TcpConn, error)

	// MaxConns caps the number of live connections accepted off this
	// listener. 0 means unlimited. Ignored for outbound Connect, which
	// has no accept-side flood to bound.
	MaxConns int
}

type pendingConnect struct {
	hooks  ConnHooks
	result func(*network.TcpConn, bool)
}

// NetService is the conn-table owner spec.md's TcpConn ownership invariant
// names: it is the only thing holding a map[ConnId]*TcpConn, and it is the
// network.EventSink every reactor event lands on before any application
// code runs. It holds no packet-building state itself; that lives inside
// whichever ConnHooks.OnRead closure a listener or dial supplied.
type NetService struct {
	handle  *Handle
	reactor *network.Reactor

	mu              sync.Mutex
	conns           map[network.ConnId]*network.TcpConn
	disconnectCause map[network.ConnId]error
	listeners       map[int]ConnHooks
	listenerConns   map[int]int
	connListener    map[network.ConnId]int
	pendingConnects map[network.ConnId]pendingConnect
	nextListenerID  int32
}

// NewNetService opens a reactor bound to h's mailbox: every event the
// reactor observes is posted as a task on h, so conn-table mutation only
// ever happens on h's own goroutine even though Listen/Connect/SendBuffer
// may be called from anywhere.
func NewNetService(h *Handle) (*NetService, error) {
	ns := &NetService{
		handle:          h,
		conns:           make(map[network.ConnId]*network.TcpConn),
		disconnectCause: make(map[network.ConnId]error),
		listeners:       make(map[int]ConnHooks),
		listenerConns:   make(map[int]int),
		connListener:    make(map[network.ConnId]int),
		pendingConnects: make(map[network.ConnId]pendingConnect),
	}
	r, err := network.NewReactor(ns, ns.post)
	if err != nil {
		return nil, err
	}
	ns.reactor = r
	return ns, nil
}

// Reactor exposes the underlying reactor so the owning process can drive
// Run/Close/Shutdown from its main goroutine.
func (ns *NetService) Reactor() *network.Reactor { return ns.reactor }

// post forwards a reactor event onto the service mailbox. Errors are
// swallowed: a post failing means the handle is already closing, and the
// reactor's own Shutdown will stop producing events shortly after.
func (ns *NetService) post(fn func()) {
	_ = ns.handle.Post(func(Token) { fn() })
}

// Listen opens a passive socket and associates hooks with every connection
// it accepts. Safe to call from any goroutine before or after Run starts.
func (ns *NetService) Listen(netw, address string, hooks ConnHooks) (*network.Listener, error) {
	id := int(atomic.AddInt32(&ns.nextListenerID, 1))
	ns.mu.Lock()
	ns.listeners[id] = hooks
	ns.mu.Unlock()
	ln, err := network.Listen(ns.reactor, id, netw, address, hooks.Typ)
	if err != nil {
		ns.mu.Lock()
		delete(ns.listeners, id)
		ns.mu.Unlock()
		return nil, err
	}
	return ln, nil
}

// Connect starts a non-blocking outbound dial. result is invoked exactly
// once, on the service goroutine, with the established TcpConn on success
// or (nil, false) on failure.
func (ns *NetService) Connect(netw, address string, hooks ConnHooks, result func(*network.TcpConn, bool)) error {
	connector := network.NewConnector(ns.reactor)
	id, err := connector.Dial(netw, address)
	if err != nil {
		return err
	}
	ns.mu.Lock()
	ns.pendingConnects[id] = pendingConnect{hooks: hooks, result: result}
	ns.mu.Unlock()
	return nil
}

// Lookup returns the TcpConn currently registered under id, if any.
func (ns *NetService) Lookup(id network.ConnId) (*network.TcpConn, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	c, ok := ns.conns[id]
	return c, ok
}

// Accepted implements network.EventSink. Invoked on the service goroutine.
func (ns *NetService) Accepted(listenerID int, hd network.ConnId, local, peer net.Addr, fd int) {
	ns.mu.Lock()
	hooks, ok := ns.listeners[listenerID]
	if !ok {
		ns.mu.Unlock()
		return
	}
	if hooks.MaxConns > 0 && ns.listenerConns[listenerID] >= hooks.MaxConns {
		ns.mu.Unlock()
		logging.Errorf("listener %d: connection_limit(%d) reached, rejecting %v", listenerID, hooks.MaxConns, peer)
		_ = ns.reactor.NewConn(hd, fd, local, peer, hooks.Typ).Close()
		return
	}
	ns.listenerConns[listenerID]++
	ns.connListener[hd] = listenerID
	ns.mu.Unlock()
	conn := ns.reactor.NewConn(hd, fd, local, peer, hooks.Typ)
	ns.publish(conn, hooks)
}

// Connected implements network.EventSink. Invoked on the service goroutine.
func (ns *NetService) Connected(hd network.ConnId, ok bool, fd int) {
	ns.mu.Lock()
	pc, found := ns.pendingConnects[hd]
	if found {
		delete(ns.pendingConnects, hd)
	}
	ns.mu.Unlock()
	if !found {
		return
	}
	if !ok {
		if pc.result != nil {
			pc.result(nil, false)
		}
		return
	}
	local, peer := ns.reactor.Sockname(hd)
	conn := ns.reactor.NewConn(hd, fd, local, peer, pc.hooks.Typ)
	ns.publish(conn, pc.hooks)
	if pc.result != nil {
		pc.result(conn, true)
	}
}

func (ns *NetService) publish(conn *network.TcpConn, hooks ConnHooks) {
	conn.OnEstablish = hooks.OnEstablish
	conn.OnRead = hooks.OnRead
	if hooks.OnLost != nil {
		conn.OnLost = func(c *network.TcpConn) {
			ns.mu.Lock()
			cause := ns.disconnectCause[c.ID]
			delete(ns.disconnectCause, c.ID)
			ns.mu.Unlock()
			hooks.OnLost(c, cause)
		}
	}
	ns.mu.Lock()
	ns.conns[conn.ID] = conn
	ns.mu.Unlock()
	label := conn.Typ.String()
	metrics.Stats.TotalConnections.WithLabelValues(label).Inc()
	metrics.Stats.CurrConnections.WithLabelValues(label).Inc()
	if conn.OnEstablish != nil {
		conn.OnEstablish(conn)
	}
}

// Message implements network.EventSink. Invoked on the service goroutine.
func (ns *NetService) Message(hd network.ConnId, data []byte) {
	ns.mu.Lock()
	conn, ok := ns.conns[hd]
	ns.mu.Unlock()
	if !ok {
		return
	}
	metrics.Stats.BytesIn.WithLabelValues(conn.Typ.String()).Add(float64(len(data)))
	if conn.OnRead == nil {
		return
	}
	conn.OnRead(conn, data)
}

// Disconnected implements network.EventSink. Invoked on the service goroutine.
func (ns *NetService) Disconnected(hd network.ConnId, err error) {
	ns.mu.Lock()
	conn, ok := ns.conns[hd]
	if ok {
		delete(ns.conns, hd)
		if err != nil {
			ns.disconnectCause[hd] = err
		}
	}
	if listenerID, lok := ns.connListener[hd]; lok {
		ns.listenerConns[listenerID]--
		delete(ns.connListener, hd)
	}
	ns.mu.Unlock()
	if !ok {
		return
	}
	label := conn.Typ.String()
	metrics.Stats.CurrConnections.WithLabelValues(label).Dec()
	if err != nil {
		metrics.Stats.ConnErrors.WithLabelValues(label).Inc()
	}
	if conn.OnLost != nil {
		conn.OnLost(conn)
	}
}
