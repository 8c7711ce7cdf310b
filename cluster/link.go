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

package cluster

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"

	"github.com/hydranet/hydranet/metrics"
	"github.com/hydranet/hydranet/network"
	"github.com/hydranet/hydranet/packet"
	perrors "github.com/hydranet/hydranet/pkg/errors"
	"github.com/hydranet/hydranet/pkg/logging"
	"github.com/hydranet/hydranet/server"
	"github.com/hydranet/hydranet/service"
)

// NodeData is everything the link layer tracks about one connected peer
// node, inserted into the node map the instant the handshake completes in
// either direction and removed the instant the conn is lost.
type NodeData struct {
	Nid          uint64
	Conn         *network.TcpConn
	ConnectedAt  time.Time
	Latency      time.Duration
	ProtoVersion int32
}

type rpcWaiter struct {
	cb func(payload []byte, err error)
}

type connWaiter struct {
	nodeIDs []uint64
	cb      func()
}

// sessionID tags this process's handshakes for log correlation across
// nodes, exchanged as an InnerNodeInfo.Kv entry rather than anything the
// link layer itself interprets.
var sessionID = uuid.New().String()

// Link is the inter-node connection manager: one Link per running node,
// bound to a single service.Handle so every mutation of its node map,
// rpc-waiter table, and connect-waiter list happens on that goroutine,
// matching the same ownership rule NetService enforces for conns.
type Link struct {
	handle *service.Handle
	ns     *service.NetService
	selfNid uint64

	nodes hashmap.HashMap // nid (uint64) -> *NodeData

	mu             sync.Mutex
	waitingRPC     map[uint64]rpcWaiter
	nextRPCID      uint64
	connWaiters    []connWaiter

	onNodeReady func(nid uint64)
	onNodeLost  func(nid uint64)
	onRPCCall   func(fromNid uint64, cmd int32, payload []byte, reply func([]byte, error))
}

// NewLink builds a Link for node selfNid, bound to h's goroutine for every
// table mutation and to ns for actual byte transport.
func NewLink(h *service.Handle, ns *service.NetService, selfNid uint64, onNodeReady, onNodeLost func(nid uint64), onRPCCall func(fromNid uint64, cmd int32, payload []byte, reply func([]byte, error))) *Link {
	return &Link{
		handle:      h,
		ns:          ns,
		selfNid:     selfNid,
		waitingRPC:  make(map[uint64]rpcWaiter),
		onNodeReady: onNodeReady,
		onNodeLost:  onNodeLost,
		onRPCCall:   onRPCCall,
	}
}

// Listen accepts inbound node links: a peer connecting to us must send
// IrcNodeHandshake first, to which we reply with our own InnerNodeInfoNtf.
func (l *Link) Listen(address string) (*network.Listener, error) {
	return server.ListenTCP(l.ns, address, server.Hooks{
		Typ:      server.TypeServer,
		OnPacket: l.handlePacket,
		OnLost:   l.handleLost,
	})
}

// Connect dials a peer node and sends the handshake first, per spec: "On
// TCP connect to a peer node, the local node sends an InnerNodeHandshake".
func (l *Link) Connect(address string) error {
	return server.DialTCP(l.ns, address, server.Hooks{
		Typ:      server.TypeServer,
		OnPacket: l.handlePacket,
		OnLost:   l.handleLost,
		OnEstablish: func(conn *network.TcpConn) {
			l.sendHandshake(conn)
		},
	}, func(conn *network.TcpConn, ok bool) {
		if !ok {
			logging.Warnf("cluster link: dial to %s failed", address)
		}
	})
}

func (l *Link) sendHandshake(conn *network.TcpConn) {
	info := &InnerNodeInfo{Nid: l.selfNid, Kv: []KV{{Key: "session", Value: sessionID}}}
	l.send(conn, IrcNodeHandshake, EncodeInnerNodeInfo(info))
}

func (l *Link) send(conn *network.TcpConn, cmd uint16, body []byte) {
	if err := server.EncryptAndSend(conn, packet.Server, cmd, body, nil); err != nil {
		logging.Errorf("cluster link: send cmd %d failed: %v", cmd, err)
	}
}

func (l *Link) handlePacket(conn *network.TcpConn, p *packet.NetPacket) {
	switch p.Cmd {
	case IrcNodeHandshake:
		l.handleHandshake(conn, p.Body)
	case IrcNodeInfoNtf:
		l.handleInfoNtf(conn, p.Body)
	case IrcRpcCall:
		l.handleRPCCall(conn, p.Body)
	case IrcRpcReturn:
		l.handleRPCReturn(p.Body)
	default:
		logging.Warnf("cluster link: unhandled cmd %d from %v", p.Cmd, conn.PeerAddr)
	}
}

// handleHandshake replies with our own InnerNodeInfoNtf and publishes the
// peer's NodeData, mirroring the symmetric exchange spec.md describes.
func (l *Link) handleHandshake(conn *network.TcpConn, body []byte) {
	info, err := DecodeInnerNodeInfo(body)
	if err != nil {
		logging.Errorf("cluster link: bad handshake: %v", err)
		_ = conn.Close()
		return
	}
	reply := &InnerNodeInfo{Nid: l.selfNid, Kv: []KV{{Key: "session", Value: sessionID}}}
	l.send(conn, IrcNodeInfoNtf, EncodeInnerNodeInfo(reply))
	l.publishNode(info.Nid, conn)
}

func (l *Link) handleInfoNtf(conn *network.TcpConn, body []byte) {
	info, err := DecodeInnerNodeInfo(body)
	if err != nil {
		logging.Errorf("cluster link: bad info ntf: %v", err)
		_ = conn.Close()
		return
	}
	l.publishNode(info.Nid, conn)
}

func (l *Link) publishNode(nid uint64, conn *network.TcpConn) {
	l.nodes.Insert(nid, &NodeData{Nid: nid, Conn: conn, ConnectedAt: time.Now()})
	metrics.Stats.ClusterNodesConnected.Inc()
	if l.onNodeReady != nil {
		l.onNodeReady(nid)
	}
	l.checkWaiters()
}

func (l *Link) handleLost(conn *network.TcpConn, _ error) {
	var lost uint64
	found := false
	for kv := range l.nodes.Iter() {
		nd := kv.Value.(*NodeData)
		if nd.Conn == conn {
			lost = kv.Key.(uint64)
			found = true
			break
		}
	}
	if !found {
		return
	}
	l.nodes.Del(lost)
	metrics.Stats.ClusterNodesConnected.Dec()
	if l.onNodeLost != nil {
		l.onNodeLost(lost)
	}
}

// Node looks up the currently connected NodeData for nid, if any.
func (l *Link) Node(nid uint64) (*NodeData, bool) {
	v, ok := l.nodes.Get(nid)
	if !ok {
		return nil, false
	}
	return v.(*NodeData), true
}

// Nodes snapshots every currently connected peer, for admin/introspection
// surfaces such as cmd/hydranoded's debug endpoint.
func (l *Link) Nodes() []*NodeData {
	var out []*NodeData
	for kv := range l.nodes.Iter() {
		out = append(out, kv.Value.(*NodeData))
	}
	return out
}

// CallRPC allocates a monotonically increasing rpc id, records cb under it,
// and sends an IrcRpcCall envelope to nid. cb fires when the matching
// IrcRpcReturn arrives. If no link to nid is known, CallRPC returns
// ErrUnknownNode without sending and cb is never called.
func (l *Link) CallRPC(nid uint64, cmd int32, payload []byte, cb func(reply []byte, err error)) error {
	nd, ok := l.Node(nid)
	if !ok {
		return perrors.ErrUnknownNode
	}
	id := atomic.AddUint64(&l.nextRPCID, 1)
	l.mu.Lock()
	l.waitingRPC[id] = rpcWaiter{cb: cb}
	l.mu.Unlock()
	metrics.Stats.ClusterRPCInFlight.Inc()
	env := encodeTransMessage(l.selfNid, id, cmd, payload)
	l.send(nd.Conn, IrcRpcCall, env)
	return nil
}

func (l *Link) handleRPCCall(conn *network.TcpConn, body []byte) {
	fromNid, rpcID, cmd, payload, err := decodeTransMessage(body)
	if err != nil {
		logging.Errorf("cluster link: bad rpc call: %v", err)
		return
	}
	reply := func(respPayload []byte, rpcErr error) {
		errStr := ""
		if rpcErr != nil {
			errStr = rpcErr.Error()
		}
		l.send(conn, IrcRpcReturn, encodeRPCReturn(rpcID, respPayload, errStr))
	}
	if l.onRPCCall == nil {
		reply(nil, perrors.ErrUnsupportedOp)
		return
	}
	l.onRPCCall(fromNid, cmd, payload, reply)
}

func (l *Link) handleRPCReturn(body []byte) {
	rpcID, payload, errStr, err := decodeRPCReturn(body)
	if err != nil {
		logging.Errorf("cluster link: bad rpc return: %v", err)
		return
	}
	l.mu.Lock()
	w, ok := l.waitingRPC[rpcID]
	if ok {
		delete(l.waitingRPC, rpcID)
	}
	l.mu.Unlock()
	if ok {
		metrics.Stats.ClusterRPCInFlight.Dec()
	}
	if !ok {
		logging.Warnf("cluster link: %v for unknown rpc id %d", perrors.ErrUnknownRPCID, rpcID)
		return
	}
	var rpcErr error
	if errStr != "" {
		rpcErr = perrors.ErrUnsupportedOp
		logging.Warnf("cluster link: rpc %d returned error: %s", rpcID, errStr)
	}
	if w.cb != nil {
		w.cb(payload, rpcErr)
	}
}

// WaitConnected queues cb to fire the first time any of nodeIDs is
// connected, per spec.md's "any of the listed non-self nodes are now
// connected" semantics. If the predicate is already satisfied, cb fires
// inline before WaitConnected returns.
func (l *Link) WaitConnected(nodeIDs []uint64, cb func()) {
	if l.anyConnected(nodeIDs) {
		cb()
		return
	}
	l.mu.Lock()
	l.connWaiters = append(l.connWaiters, connWaiter{nodeIDs: nodeIDs, cb: cb})
	l.mu.Unlock()
}

func (l *Link) anyConnected(nodeIDs []uint64) bool {
	for _, nid := range nodeIDs {
		if nid == l.selfNid {
			continue
		}
		if _, ok := l.Node(nid); ok {
			return true
		}
	}
	return false
}

func (l *Link) checkWaiters() {
	l.mu.Lock()
	remaining := l.connWaiters[:0]
	var fire []func()
	for _, w := range l.connWaiters {
		if l.anyConnected(w.nodeIDs) {
			fire = append(fire, w.cb)
		} else {
			remaining = append(remaining, w)
		}
	}
	l.connWaiters = remaining
	l.mu.Unlock()
	for _, cb := range fire {
		cb()
	}
}
