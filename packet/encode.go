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

	"github.com/hydranet/hydranet/buffer"
)

// Encode assembles a complete outbound frame: [length][optional
// client_no][cmd_and_body], with length counting the whole frame including
// itself. cmdAndBody must already be in its final, wire-ready form — built
// by EncodeCmdAndBody and, for t.Encrypted() types, already run through a
// codec.Cipher. Encode only adds framing, it never touches ciphertext.
//
// clientSeq is ignored unless t.ClientOriginated().
func Encode(t Type, clientSeq byte, cmdAndBody []byte) []byte {
	lw := LeadingFieldSize(t)
	hasSeq := t.ClientOriginated()

	prepend := lw
	if hasSeq {
		prepend++
	}

	buf := buffer.New(prepend, len(cmdAndBody))
	copy(buf.Extend(len(cmdAndBody)), cmdAndBody)

	if hasSeq {
		buf.Prepend([]byte{clientSeq})
	}

	total := buf.Len() + lw
	lenField := make([]byte, lw)
	if lw == 2 {
		binary.BigEndian.PutUint16(lenField, uint16(total))
	} else {
		binary.BigEndian.PutUint32(lenField, uint32(total))
	}
	buf.Prepend(lenField)
	return append([]byte(nil), buf.Readable()...)
}

// EncodeCmdAndBody concatenates cmd and body the way a codec.Cipher expects
// to scramble them in place, i.e. cmd(2 bytes big-endian) followed by body,
// before any sequence number or length framing is added.
func EncodeCmdAndBody(cmd uint16, body []byte) []byte {
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out, cmd)
	copy(out[2:], body)
	return out
}
