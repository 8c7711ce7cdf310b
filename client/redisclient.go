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
	"github.com/hydranet/hydranet/metrics"
	"github.com/hydranet/hydranet/network"
	"github.com/hydranet/hydranet/packet"
	perrors "github.com/hydranet/hydranet/pkg/errors"
	"github.com/hydranet/hydranet/pkg/logging"
	"github.com/hydranet/hydranet/resp"
	"github.com/hydranet/hydranet/service"
)

// RedisClient layers RESP framing on top of TcpClient and a RedisCommander:
// the commander owns the AUTH/SELECT handshake and the pipelined command
// queue, while RedisClient wires the two into the connection lifecycle.
type RedisClient struct {
	tcp       *TcpClient
	commander *RedisCommander
	builder   *resp.Builder

	onReady func()
	onLost  func(error)
}

// NewRedisClient builds a Redis client that dials addr through ns, gated by
// handle h. If password is empty, AUTH is skipped, matching a Redis instance
// with no requirepass set. db selects the logical database to SELECT into
// after AUTH; db 0 is every connection's default, so it is never sent.
func NewRedisClient(h *service.Handle, ns *service.NetService, addr, password string, db int, onReady func(), onLost func(error)) *RedisClient {
	rc := &RedisClient{
		commander: NewRedisCommander(h, addr, password, db),
		builder:   resp.NewBuilder(),
		onReady:   onReady,
		onLost:    onLost,
	}
	hooks := service.ConnHooks{Typ: packet.Redis, OnRead: rc.handleRead}
	rc.tcp = NewTcpClient(h, ns, addr, hooks, rc.handleEstablish, rc.handleLost)
	return rc
}

// Connect starts the underlying TcpClient, which retries after a fixed
// delay on every subsequent loss until Close.
func (rc *RedisClient) Connect() error { return rc.tcp.Connect() }

// Close stops reconnect attempts and tears down any live connection.
func (rc *RedisClient) Close() { rc.tcp.Close() }

// State reports the underlying TcpClient's connection status; Ready
// additionally requires AUTH and SELECT to have completed on the current
// connection.
func (rc *RedisClient) State() State { return rc.tcp.State() }

// Ready reports whether the current connection has completed AUTH and
// SELECT (or skipped whichever do not apply) and is safe to issue
// application commands on.
func (rc *RedisClient) Ready() bool { return rc.commander.Ready() }

// Do pipelines a Redis command and flushes it immediately; cb fires exactly
// once with the reply or an error, in the order commands were sent. Returns
// ErrNotConnected if the connection isn't currently ready.
func (rc *RedisClient) Do(args []string, cb func(*resp.Reply, error)) error {
	if !rc.Ready() {
		return perrors.ErrNotConnected
	}
	if err := rc.commander.Send(args, cb); err != nil {
		return err
	}
	return rc.commander.Commit()
}

// DoBlocking is Do's blocking counterpart, safe to call off the owning
// handle's goroutine; see RedisCommander.SendAndCommitBlocking.
func (rc *RedisClient) DoBlocking(args []string) (*resp.Reply, error) {
	return rc.commander.SendAndCommitBlocking(args)
}

func (rc *RedisClient) handleEstablish(conn *network.TcpConn) {
	rc.builder = resp.NewBuilder()
	rc.commander.OnConnect(conn, rc.markReady)
}

func (rc *RedisClient) markReady() {
	metrics.Stats.RedisClientActive.WithLabelValues(rc.tcp.addr).Set(1)
	if rc.onReady != nil {
		rc.onReady()
	}
}

func (rc *RedisClient) handleRead(_ *network.TcpConn, data []byte) {
	replies, err := rc.builder.Feed(data)
	if err != nil {
		logging.Errorf("redis client protocol error: %v", err)
		if rc.tcp.conn != nil {
			_ = rc.tcp.conn.Close()
		}
		return
	}
	rc.commander.Dispatch(replies)
}

func (rc *RedisClient) handleLost(err error) {
	metrics.Stats.RedisClientActive.WithLabelValues(rc.tcp.addr).Set(0)
	if err != nil {
		metrics.Stats.RedisClientErrors.WithLabelValues(rc.tcp.addr).Inc()
	}
	rc.commander.OnDisconnect(err)
	if rc.onLost != nil {
		rc.onLost(err)
	}
}
