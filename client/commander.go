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

package client

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/hydranet/hydranet/metrics"
	"github.com/hydranet/hydranet/network"
	perrors "github.com/hydranet/hydranet/pkg/errors"
	"github.com/hydranet/hydranet/pkg/logging"
	"github.com/hydranet/hydranet/resp"
	"github.com/hydranet/hydranet/service"
)

// command is one pipelined request awaiting a reply.
type command struct {
	cb func(*resp.Reply, error)
}

// RedisCommander pipelines RESP requests over one connection and drives the
// AUTH/SELECT handshake on every (re)connect. send appends a request to a
// write buffer and a FIFO callback queue; commit flushes the buffer. Every
// reply the connection produces resolves the oldest outstanding callback,
// since Redis guarantees replies arrive in request order on one connection.
// OnConnect/OnDisconnect/Send/Commit/Dispatch are only ever touched from
// the owning service goroutine; SendAndCommitBlocking is the one operation
// meant to be called from anywhere else.
type RedisCommander struct {
	handle   *service.Handle
	name     string
	password string
	dbIndex  int

	conn    *network.TcpConn
	buf     []byte
	pending []command

	authReady   int32 // atomic bool
	selectReady int32 // atomic bool

	onReady func()
}

// NewRedisCommander builds an unbound commander for a connection to name
// (used only for log correlation), authenticating with password and
// selecting db on every OnConnect.
func NewRedisCommander(h *service.Handle, name, password string, db int) *RedisCommander {
	return &RedisCommander{handle: h, name: name, password: password, dbIndex: db}
}

// Ready reports whether AUTH and SELECT have both cleared (or were skipped)
// on the currently bound connection.
func (rc *RedisCommander) Ready() bool {
	return atomic.LoadInt32(&rc.authReady) == 1 && atomic.LoadInt32(&rc.selectReady) == 1
}

// OnConnect binds conn, resets per-connection state, and runs the
// AUTH/SELECT handshake: both are enqueued and committed immediately,
// pipelined ahead of their own replies. onReady fires once both clear (or
// are skipped because no password/db is configured).
func (rc *RedisCommander) OnConnect(conn *network.TcpConn, onReady func()) {
	rc.conn = conn
	rc.pending = nil
	rc.buf = nil
	atomic.StoreInt32(&rc.authReady, 0)
	atomic.StoreInt32(&rc.selectReady, 0)
	rc.onReady = onReady

	rc.doAuth()
	rc.doSelect()
}

func (rc *RedisCommander) doAuth() {
	if rc.password == "" {
		atomic.StoreInt32(&rc.authReady, 1)
		rc.checkReady()
		return
	}
	conn := rc.conn
	rc.send([]string{"AUTH", rc.password}, func(r *resp.Reply, err error) {
		if err != nil {
			return
		}
		if r.Kind == resp.Error || (r.Kind == resp.SimpleString && r.Str != "OK") {
			logging.Errorf("redis[%s] AUTH failed: %s", rc.name, r.Str)
			metrics.Stats.RedisClientErrors.WithLabelValues(rc.name).Inc()
			_ = conn.Close()
			return
		}
		atomic.StoreInt32(&rc.authReady, 1)
		rc.checkReady()
	})
	_ = rc.Commit()
}

// doSelect issues SELECT for the configured db. db 0 needs no SELECT, since
// it is every connection's default.
func (rc *RedisCommander) doSelect() {
	if rc.dbIndex == 0 {
		atomic.StoreInt32(&rc.selectReady, 1)
		rc.checkReady()
		return
	}
	conn := rc.conn
	rc.send([]string{"SELECT", strconv.Itoa(rc.dbIndex)}, func(r *resp.Reply, err error) {
		if err != nil {
			return
		}
		if r.Kind == resp.Error || (r.Kind == resp.SimpleString && r.Str != "OK") {
			logging.Errorf("redis[%s] SELECT %d failed: %s", rc.name, rc.dbIndex, r.Str)
			metrics.Stats.RedisClientErrors.WithLabelValues(rc.name).Inc()
			_ = conn.Close()
			return
		}
		atomic.StoreInt32(&rc.selectReady, 1)
		rc.checkReady()
	})
	_ = rc.Commit()
}

func (rc *RedisCommander) checkReady() {
	if rc.Ready() && rc.onReady != nil {
		cb := rc.onReady
		rc.onReady = nil
		cb()
	}
}

// OnDisconnect drops the bound conn, fails every still-pending callback
// with err, and resets auth_ready/select_ready so the next OnConnect
// re-runs the handshake before any user command flows.
func (rc *RedisCommander) OnDisconnect(err error) {
	rc.conn = nil
	atomic.StoreInt32(&rc.authReady, 0)
	atomic.StoreInt32(&rc.selectReady, 0)
	pending := rc.pending
	rc.pending = nil
	rc.buf = nil
	rc.onReady = nil
	for _, cmd := range pending {
		if cmd.cb != nil {
			cmd.cb(nil, err)
		}
	}
}

func (rc *RedisCommander) send(args []string, cb func(*resp.Reply, error)) {
	rc.buf = append(rc.buf, EncodeCommand(args)...)
	rc.pending = append(rc.pending, command{cb: cb})
}

// Send appends args to the pipelined write buffer and queues cb; nothing
// reaches the wire until Commit flushes it. Returns ErrNotConnected if no
// connection is bound.
func (rc *RedisCommander) Send(args []string, cb func(*resp.Reply, error)) error {
	if rc.conn == nil {
		return perrors.ErrNotConnected
	}
	rc.send(args, cb)
	return nil
}

// Commit flushes the pipelined write buffer over the bound conn. A no-op
// when nothing is queued.
func (rc *RedisCommander) Commit() error {
	if rc.conn == nil {
		return perrors.ErrNotConnected
	}
	if len(rc.buf) == 0 {
		return nil
	}
	data := rc.buf
	rc.buf = nil
	return rc.conn.SendBuffer(data)
}

// SendAndCommitBlocking sends args, commits immediately, and blocks the
// calling goroutine until the reply arrives. Forbidden from the reactor
// goroutine: that goroutine is the only thing that can ever process the
// posted send and produce the reply, so calling this from it deadlocks.
func (rc *RedisCommander) SendAndCommitBlocking(args []string) (*resp.Reply, error) {
	if rc.handle != nil && rc.handle.Busy() {
		return nil, perrors.ErrBlockingOnReactor
	}
	type result struct {
		reply *resp.Reply
		err   error
	}
	done := make(chan result, 1)
	postErr := rc.handle.Post(func(service.Token) {
		if err := rc.Send(args, func(r *resp.Reply, err error) {
			done <- result{r, err}
		}); err != nil {
			done <- result{nil, err}
			return
		}
		_ = rc.Commit()
	})
	if postErr != nil {
		return nil, postErr
	}
	res := <-done
	return res.reply, res.err
}

// Dispatch resolves one pending callback per reply, in FIFO order. Replies
// with no matching pending callback (more replies than requests sent) are
// dropped; that indicates a protocol violation upstream.
func (rc *RedisCommander) Dispatch(replies []*resp.Reply) {
	for _, r := range replies {
		if len(rc.pending) == 0 {
			continue
		}
		cmd := rc.pending[0]
		rc.pending = rc.pending[1:]
		if cmd.cb != nil {
			cmd.cb(r, nil)
		}
	}
}

// Pending reports how many requests are awaiting a reply.
func (rc *RedisCommander) Pending() int { return len(rc.pending) }

// EncodeCommand renders args as a RESP request: a bulk-string array, the
// wire form every Redis command uses regardless of arity.
func EncodeCommand(args []string) []byte {
	var b strings.Builder
	b.WriteByte('*')
	b.WriteString(strconv.Itoa(len(args)))
	b.WriteString("\r\n")
	for _, a := range args {
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(len(a)))
		b.WriteString("\r\n")
		b.WriteString(a)
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}
