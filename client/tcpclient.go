// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2011 Twitter, Inc.
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

// Package client implements TcpClient's auto-reconnect state machine and
// RedisClient/RedisCommander, a pipelined RESP client built on top of it.
package client

import (
	"sync/atomic"
	"time"

	"github.com/hydranet/hydranet/network"
	perrors "github.com/hydranet/hydranet/pkg/errors"
	"github.com/hydranet/hydranet/pkg/logging"
	"github.com/hydranet/hydranet/service"
	"github.com/hydranet/hydranet/timingwheel"
)

// State is a TcpClient's connection status.
type State int32

const (
	Idle State = iota
	Connecting
	Connected
	Disconnecting
	Disconnected
)

// reconnectDelay is the fixed back-off before a reconnect attempt following
// a loss or a failed dial.
const reconnectDelay = 5 * time.Second

// TcpClient owns one logical outbound connection: it dials through a
// service.NetService, and on loss, if autoReconnect is set, reschedules a
// dial attempt on its handle's timing wheel after a fixed delay, continuing
// until Close.
type TcpClient struct {
	handle *service.Handle
	ns     *service.NetService
	addr   string
	hooks  service.ConnHooks

	state         int32 // atomic State
	conn          *network.TcpConn
	closed        int32
	autoReconnect int32 // atomic bool, defaults to true

	disconnectCb func()

	onConnected func(*network.TcpConn)
	onLost      func(error)
}

// NewTcpClient builds a client bound to handle's service goroutine; every
// state transition and every hooks callback runs as a task on handle.
// autoReconnect starts enabled; SetAutoReconnect toggles it.
func NewTcpClient(h *service.Handle, ns *service.NetService, addr string, hooks service.ConnHooks, onConnected func(*network.TcpConn), onLost func(error)) *TcpClient {
	return &TcpClient{
		handle:        h,
		ns:            ns,
		addr:          addr,
		hooks:         hooks,
		autoReconnect: 1,
		onConnected:   onConnected,
		onLost:        onLost,
	}
}

// State reports the client's current connection status.
func (c *TcpClient) State() State { return State(atomic.LoadInt32(&c.state)) }

// SetAutoReconnect toggles whether a loss schedules a reconnect attempt.
// Safe to call from any goroutine.
func (c *TcpClient) SetAutoReconnect(on bool) {
	v := int32(0)
	if on {
		v = 1
	}
	atomic.StoreInt32(&c.autoReconnect, v)
}

// Connect starts the first dial attempt; illegal while already Connecting.
// Safe to call from any goroutine; the actual dial is posted onto the
// owning handle.
func (c *TcpClient) Connect() error {
	if !atomic.CompareAndSwapInt32(&c.state, int32(Idle), int32(Connecting)) {
		return perrors.ErrAlreadyConnecting
	}
	return c.handle.Post(func(service.Token) { c.dial() })
}

// reconnect re-dials after a loss; legal only from an idle status
// (Disconnected), a no-op otherwise. Always runs on the handle goroutine,
// since it is only ever invoked from the timing-wheel callback.
func (c *TcpClient) reconnect() {
	if !atomic.CompareAndSwapInt32(&c.state, int32(Disconnected), int32(Connecting)) {
		return
	}
	c.dial()
}

// disconnect tears down a live connection deliberately, as opposed to a
// loss detected by the reactor: legal only while Connected. cb fires once
// the eventual lost event confirms the close. Safe to call from any
// goroutine.
func (c *TcpClient) disconnect(cb func()) error {
	if !atomic.CompareAndSwapInt32(&c.state, int32(Connected), int32(Disconnecting)) {
		return perrors.ErrNotConnected
	}
	return c.handle.Post(func(service.Token) {
		c.disconnectCb = cb
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// Close stops future reconnect attempts and, if connected, closes the
// underlying socket. Safe to call from any goroutine.
func (c *TcpClient) Close() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	_ = c.handle.Post(func(service.Token) {
		atomic.CompareAndSwapInt32(&c.state, int32(Connected), int32(Disconnecting))
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *TcpClient) dial() {
	hooks := c.hooks
	userOnEstablish := hooks.OnEstablish
	userOnLost := hooks.OnLost
	hooks.OnEstablish = func(conn *network.TcpConn) {
		atomic.StoreInt32(&c.state, int32(Connected))
		c.conn = conn
		if userOnEstablish != nil {
			userOnEstablish(conn)
		}
	}
	hooks.OnLost = func(conn *network.TcpConn, err error) {
		c.conn = nil
		if userOnLost != nil {
			userOnLost(conn, err)
		}
		c.handleLost(err)
	}

	err := c.ns.Connect("tcp", c.addr, hooks, func(conn *network.TcpConn, ok bool) {
		if !ok {
			c.handleLost(perrors.ErrNotConnected)
			return
		}
		if c.onConnected != nil {
			c.onConnected(conn)
		}
	})
	if err != nil {
		c.handleLost(err)
	}
}

func (c *TcpClient) handleLost(err error) {
	atomic.StoreInt32(&c.state, int32(Disconnected))

	if c.disconnectCb != nil {
		cb := c.disconnectCb
		c.disconnectCb = nil
		cb()
		return
	}
	if c.onLost != nil {
		c.onLost(err)
	}
	if atomic.LoadInt32(&c.closed) == 1 || atomic.LoadInt32(&c.autoReconnect) == 0 {
		return
	}
	logging.Warnf("tcp client to %s lost, reconnecting in %s: %v", c.addr, reconnectDelay, err)
	c.handle.Clock().ScheduleOnce(reconnectDelay, nil, func(interface{}) (timingwheel.Action, interface{}) {
		if atomic.LoadInt32(&c.closed) == 1 {
			return timingwheel.Cancel, nil
		}
		c.reconnect()
		return timingwheel.Cancel, nil
	})
}
