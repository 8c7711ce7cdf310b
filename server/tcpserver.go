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

package server

import (
	"encoding/binary"

	"github.com/hydranet/hydranet/codec"
	"github.com/hydranet/hydranet/network"
	"github.com/hydranet/hydranet/packet"
	perrors "github.com/hydranet/hydranet/pkg/errors"
	"github.com/hydranet/hydranet/service"
)

// ListenTCP opens a raw length-prefixed listener on ns, dispatching fully
// reassembled packets to hooks.OnPacket. Each accepted connection gets its
// own packet.Builder and, for encrypted types, its own codec.Cipher, which
// the OnRead closure creates on the connection's first read and keeps in
// that TcpConn's NetHandle for the connection's lifetime.
func ListenTCP(ns *service.NetService, address string, hooks Hooks) (*network.Listener, error) {
	return ns.Listen("tcp", address, service.ConnHooks{
		Typ:         hooks.Typ,
		OnEstablish: hooks.OnEstablish,
		OnRead:      newTCPReader(hooks),
		OnLost:      hooks.OnLost,
		MaxConns:    hooks.MaxConns,
	})
}

// DialTCP starts an outbound length-prefixed connection through ns. result
// reports the established network.TcpConn, or (nil, false) on failure,
// exactly as service.NetService.Connect does.
func DialTCP(ns *service.NetService, address string, hooks Hooks, result func(*network.TcpConn, bool)) error {
	return ns.Connect("tcp", address, service.ConnHooks{
		Typ:         hooks.Typ,
		OnEstablish: hooks.OnEstablish,
		OnRead:      newTCPReader(hooks),
		OnLost:      hooks.OnLost,
	}, result)
}

func newTCPReader(hooks Hooks) func(*network.TcpConn, []byte) {
	return func(conn *network.TcpConn, data []byte) {
		st, _ := conn.NetHandle.(*connState)
		if st == nil {
			st = &connState{builder: packet.NewBuilder(hooks.Typ)}
			conn.NetHandle = st
		}
		pkts, err := st.builder.Feed(data)
		if err != nil {
			_ = conn.Close()
			return
		}
		for _, p := range pkts {
			if hooks.Typ.Encrypted() {
				if err := decryptInPlace(&st.cipher, hooks.KeyForConn, conn, p); err != nil {
					_ = conn.Close()
					return
				}
			}
			if hooks.OnPacket != nil {
				hooks.OnPacket(conn, p)
			}
		}
	}
}

// decryptInPlace lazily provisions cipher from hooks.KeyForConn on the
// packet's connection, then reverses the XOR region described in codec.Cipher
// against the byte layout decodeFrame already split into Cmd/Body.
func decryptInPlace(cipher **codec.Cipher, keyFor func(*network.TcpConn) ([]byte, error), conn *network.TcpConn, p *packet.NetPacket) error {
	if *cipher == nil {
		if keyFor == nil {
			return perrors.ErrMissingKey
		}
		key, err := keyFor(conn)
		if err != nil {
			return err
		}
		c, err := codec.NewCipher(key, codec.DefaultWindowSize)
		if err != nil {
			return err
		}
		*cipher = c
	}
	if !p.HasClientSeq() {
		return perrors.ErrMissingKey
	}
	raw := packet.EncodeCmdAndBody(p.Cmd, p.Body)
	if err := (*cipher).Decrypt(byte(p.ClientSeq), raw); err != nil {
		return err
	}
	p.Cmd = binary.BigEndian.Uint16(raw[:2])
	p.Body = raw[2:]
	return nil
}

// EncryptAndSend frames body under cmd for the given packet type, encrypting
// it first when the type requires it, and hands the result to conn.
// clientSeq is only meaningful, and only generated, when typ.Encrypted().
func EncryptAndSend(conn *network.TcpConn, typ packet.Type, cmd uint16, body []byte, cipher *codec.Cipher) error {
	cmdAndBody := packet.EncodeCmdAndBody(cmd, body)
	var seq byte
	if typ.Encrypted() {
		if cipher == nil {
			return perrors.ErrMissingKey
		}
		no, err := cipher.Encrypt(cmdAndBody)
		if err != nil {
			return err
		}
		seq = no
	}
	return conn.SendBuffer(packet.Encode(typ, seq, cmdAndBody))
}
