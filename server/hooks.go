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

// Package server builds policy-level listeners (TcpServer, WsServer,
// HttpServer) on top of service.NetService: each one owns the per-
// connection packet builder and, where the packet type is encrypted, the
// codec.Cipher, translating raw bytes into NetPacket callbacks.
package server

import (
	"github.com/hydranet/hydranet/codec"
	"github.com/hydranet/hydranet/network"
	"github.com/hydranet/hydranet/packet"
)

// Hooks are the application-facing callbacks a TcpServer/WsServer invokes.
// OnPacket fires once per fully reassembled frame; OnEstablish/OnLost mirror
// network.TcpConn's own callback shape but add the packet type's framing.
type Hooks struct {
	Typ Type

	// KeyForConn provisions the per-connection encryption key the first
	// time an encrypted-type connection is established. It is called at
	// most once per connection, before the first byte is decoded. Left
	// nil for unencrypted packet types.
	KeyForConn func(*network.TcpConn) ([]byte, error)

	OnEstablish func(*network.TcpConn)
	OnPacket    func(*network.TcpConn, *packet.NetPacket)
	OnLost      func(*network.TcpConn, error)

	// MaxConns caps the number of live connections this listener accepts.
	// 0 means unlimited. Has no effect on DialTCP, which only ever opens
	// one outbound connection per call.
	MaxConns int
}

// Type is a thin alias kept local to server so callers configuring a
// listener don't need to import packet just to name a packet type.
type Type = packet.Type

const (
	TypeServer   = packet.Server
	TypeClient   = packet.Client
	TypeRobot    = packet.Robot
	TypeClientWs = packet.ClientWs
	TypeRobotWs  = packet.RobotWs
)

// connState is the per-connection reassembly state a Hooks-driven listener
// keeps alive across Message events for one TcpConn; the OnRead closure
// stores it in that TcpConn's NetHandle, never inside NetService.
type connState struct {
	builder *packet.Builder
	cipher  *codec.Cipher
}
