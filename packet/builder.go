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
	perrors "github.com/hydranet/hydranet/pkg/errors"
)

// State names the builder's position in the reassembly state machine.
type State int8

const (
	Null State = iota
	Leading
	Data
	Complete
	CompleteTailing
	Abort
)

// Builder is a pull parser over a sequence of inbound byte chunks; each call
// to Feed appends one chunk and returns the complete packets it produced.
//
// The length field on the wire counts the whole frame: the length field
// itself, the optional client sequence byte, the command id, and the body.
type Builder struct {
	typ   Type
	state State
	buf   *buffer.Buffer
	want  int // total length still to be buffered for the in-progress frame, once known
}

// NewBuilder constructs a resumable packet builder for the given packet type.
func NewBuilder(t Type) *Builder {
	return &Builder{typ: t, state: Null}
}

// State reports the builder's current position, primarily for tests.
func (b *Builder) State() State { return b.state }

// Feed appends one inbound chunk and returns every packet it completes, in
// order. It is resumable across arbitrary chunk boundaries.
func (b *Builder) Feed(chunk []byte) ([]*NetPacket, error) {
	if b.state == Abort {
		return nil, perrors.ErrBuilderAborted
	}
	if b.state == Null {
		b.buf = buffer.Wrap(append([]byte(nil), chunk...))
		b.state = Leading
	} else {
		_, _ = b.buf.Write(chunk)
	}

	var out []*NetPacket
	for {
		switch b.state {
		case Leading:
			lw := LeadingFieldSize(b.typ)
			if b.buf.Len() < lw {
				return out, nil
			}
			var length int
			if lw == 2 {
				v, _ := b.buf.PeekU16()
				length = int(v)
			} else {
				v, _ := b.buf.PeekU32()
				length = int(v)
			}
			if length > MaxPacketSize {
				b.state = Abort
				return out, perrors.ErrPacketTooLarge
			}
			if length < lw {
				b.state = Abort
				return out, perrors.ErrIncompletePacket
			}
			b.buf.Advance(lw)
			// the leading length counts the whole frame, including itself.
			b.want = length - lw
			b.state = Data
		case Data:
			if b.buf.Len() < b.want {
				return out, nil
			}
			if b.buf.Len() == b.want {
				b.state = Complete
			} else {
				b.state = CompleteTailing
			}
		case Complete:
			p, err := b.decodeFrame(b.buf.Readable()[:b.want], true)
			if err != nil {
				b.state = Abort
				return out, err
			}
			out = append(out, p)
			b.buf.Advance(b.want)
			b.buf = nil
			b.state = Null
			return out, nil
		case CompleteTailing:
			// Whichever side is smaller is copied into a fresh buffer; the
			// larger side is reused in place (O(min)).
			tailLen := b.buf.Len() - b.want
			if b.want <= tailLen {
				p, err := b.decodeFrame(b.buf.Readable()[:b.want], true)
				if err != nil {
					b.state = Abort
					return out, err
				}
				out = append(out, p)
				b.buf.Advance(b.want)
			} else {
				p, err := b.decodeFrame(b.buf.Readable()[:b.want], false)
				if err != nil {
					b.state = Abort
					return out, err
				}
				out = append(out, p)
				tail := append([]byte(nil), b.buf.Readable()[b.want:]...)
				b.buf = buffer.Wrap(tail)
			}
			b.state = Leading
		default:
			return out, nil
		}
	}
}

// decodeFrame splits a complete [optional client_no][cmd][body] region into
// a NetPacket. copyBody controls whether Body is a fresh copy or a direct
// slice of framed; callers pass false when framed is the larger side of a
// CompleteTailing split being reused in place, since the backing array
// being aliased is not written to again before it is handed off.
func (b *Builder) decodeFrame(framed []byte, copyBody bool) (*NetPacket, error) {
	p := &NetPacket{Typ: b.typ, LeadingLen: LeadingFieldSize(b.typ), ClientSeq: -1}
	off := 0
	if b.typ.ClientOriginated() {
		if len(framed) < 1 {
			return nil, perrors.ErrIncompletePacket
		}
		p.ClientSeq = int16(framed[0])
		off++
	}
	if len(framed)-off < 2 {
		return nil, perrors.ErrIncompletePacket
	}
	p.Cmd = binary.BigEndian.Uint16(framed[off:])
	off += 2
	if copyBody {
		p.Body = append([]byte(nil), framed[off:]...)
	} else {
		p.Body = framed[off:]
	}
	return p, nil
}
