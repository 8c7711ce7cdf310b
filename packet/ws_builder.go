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

package packet

import (
	"encoding/binary"

	perrors "github.com/hydranet/hydranet/pkg/errors"
)

// wsOpcode values relevant to framing; per RFC 6455 section 5.2.
const (
	wsOpText   = 0x1
	wsOpBinary = 0x2
	wsOpClose  = 0x8
)

// WsBuilder reassembles WebSocket binary frames and feeds each unmasked
// payload through the same Null->Leading->Data->Complete contract as
// Builder, after the WS frame header itself has been stripped. It owns no
// handshake logic; the HTTP Upgrade exchange happens in server.ListenWS
// before any bytes reach this builder.
type WsBuilder struct {
	inner   *Builder
	pending []byte
}

// NewWsBuilder constructs a WebSocket-framed builder for the given packet type.
func NewWsBuilder(t Type) *WsBuilder {
	return &WsBuilder{inner: NewBuilder(t)}
}

// Feed consumes one or more complete WS frames from chunk and returns every
// NetPacket their unmasked payloads produced. A close frame aborts the
// builder, matching the framing-error Abort contract. Bytes left over from a
// frame header or payload split across two Feed calls are retained in
// pending and prepended ahead of the next chunk.
func (w *WsBuilder) Feed(chunk []byte) ([]*NetPacket, error) {
	if len(w.pending) > 0 {
		chunk = append(w.pending, chunk...)
		w.pending = nil
	}
	var out []*NetPacket
	for len(chunk) > 0 {
		frame, rest, err := parseWsFrame(chunk)
		if err != nil {
			if err == perrors.ErrIncompletePacket {
				w.pending = append([]byte(nil), chunk...)
				return out, nil
			}
			w.inner.state = Abort
			return out, err
		}
		chunk = rest
		if frame.opcode == wsOpClose {
			w.inner.state = Abort
			return out, perrors.ErrBuilderAborted
		}
		if frame.opcode != wsOpBinary && frame.opcode != wsOpText {
			continue
		}
		pkts, err := w.inner.Feed(frame.payload)
		if err != nil {
			return out, err
		}
		out = append(out, pkts...)
	}
	return out, nil
}

// State exposes the underlying builder's state, primarily for tests.
func (w *WsBuilder) State() State { return w.inner.State() }

type wsFrame struct {
	opcode  byte
	payload []byte
}

func parseWsFrame(b []byte) (wsFrame, []byte, error) {
	if len(b) < 2 {
		return wsFrame{}, nil, perrors.ErrIncompletePacket
	}
	opcode := b[0] & 0x0f
	masked := b[1]&0x80 != 0
	length := int(b[1] & 0x7f)
	off := 2
	switch length {
	case 126:
		if len(b) < off+2 {
			return wsFrame{}, nil, perrors.ErrIncompletePacket
		}
		length = int(binary.BigEndian.Uint16(b[off:]))
		off += 2
	case 127:
		if len(b) < off+8 {
			return wsFrame{}, nil, perrors.ErrIncompletePacket
		}
		length = int(binary.BigEndian.Uint64(b[off:]))
		off += 8
	}
	if length > MaxPacketSize {
		return wsFrame{}, nil, perrors.ErrPacketTooLarge
	}
	var maskKey [4]byte
	if masked {
		if len(b) < off+4 {
			return wsFrame{}, nil, perrors.ErrIncompletePacket
		}
		copy(maskKey[:], b[off:off+4])
		off += 4
	}
	if len(b) < off+length {
		return wsFrame{}, nil, perrors.ErrIncompletePacket
	}
	payload := append([]byte(nil), b[off:off+length]...)
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	return wsFrame{opcode: opcode, payload: payload}, b[off+length:], nil
}
