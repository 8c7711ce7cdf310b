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
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/textproto"

	"github.com/hydranet/hydranet/network"
	"github.com/hydranet/hydranet/packet"
	perrors "github.com/hydranet/hydranet/pkg/errors"
	"github.com/hydranet/hydranet/service"
)

// wsGUID is the fixed RFC 6455 magic string appended to Sec-WebSocket-Key
// before hashing to produce Sec-WebSocket-Accept.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ListenWS opens a listener that performs the WebSocket opening handshake
// itself before handing reassembled frames to hooks.OnPacket; it does not
// sit behind a net/http server; the reactor owns the fd from accept
// through close, same as ListenTCP.
func ListenWS(ns *service.NetService, address string, hooks Hooks) (*network.Listener, error) {
	return ns.Listen("tcp", address, service.ConnHooks{
		Typ:         hooks.Typ,
		OnEstablish: hooks.OnEstablish,
		OnRead:      newWSReader(hooks),
		OnLost:      hooks.OnLost,
		MaxConns:    hooks.MaxConns,
	})
}

type wsConnState struct {
	connState
	upgraded bool
	buf      bytes.Buffer
	wsb      *packet.WsBuilder
}

func newWSReader(hooks Hooks) func(*network.TcpConn, []byte) {
	return func(conn *network.TcpConn, data []byte) {
		st, _ := conn.NetHandle.(*wsConnState)
		if st == nil {
			st = &wsConnState{wsb: packet.NewWsBuilder(hooks.Typ)}
			conn.NetHandle = st
		}
		if !st.upgraded {
			st.buf.Write(data)
			done, rest, err := tryUpgrade(conn, st.buf.Bytes())
			if err != nil {
				_ = conn.Close()
				return
			}
			if !done {
				return
			}
			st.upgraded = true
			st.buf.Reset()
			data = rest
			if len(data) == 0 {
				return
			}
		}
		pkts, err := st.wsb.Feed(data)
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

// tryUpgrade looks for a complete HTTP/1.1 Upgrade request in buffered; if
// found it writes the 101 response to conn and returns the bytes buffered
// past the request's terminating blank line (which belong to the first WS
// frame, in the case a client pipelines the handshake and first frame in
// one write). done is false while more header bytes are still needed.
func tryUpgrade(conn *network.TcpConn, buffered []byte) (done bool, rest []byte, err error) {
	idx := bytes.Index(buffered, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(buffered) > 8192 {
			return false, nil, perrors.ErrPacketTooLarge
		}
		return false, nil, nil
	}
	reader := bufio.NewReader(bytes.NewReader(buffered[:idx+4]))
	tp := textproto.NewReader(reader)
	requestLine, err := tp.ReadLine()
	if err != nil {
		return false, nil, err
	}
	if !bytes.HasPrefix([]byte(requestLine), []byte("GET ")) {
		return false, nil, perrors.ErrUnsupportedProtocol
	}
	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		return false, nil, err
	}
	key := hdr.Get("Sec-Websocket-Key")
	if key == "" || hdr.Get("Upgrade") == "" {
		return false, nil, perrors.ErrUnsupportedProtocol
	}
	accept := acceptKey(key)
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	if err := conn.SendBuffer([]byte(resp)); err != nil {
		return false, nil, err
	}
	return true, buffered[idx+4:], nil
}

func acceptKey(key string) string {
	h := sha1.New()
	_, _ = fmt.Fprint(h, key+wsGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
