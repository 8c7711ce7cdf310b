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

// Package resp implements a resumable RESP (REdis Serialization Protocol)
// reply parser that can be fed arbitrarily split byte chunks and re-drive
// itself after a partial read, the way the reactor hands data to it one
// inbound chunk at a time.
package resp

import (
	"bytes"
	"strconv"

	"github.com/hydranet/hydranet/buffer"
	perrors "github.com/hydranet/hydranet/pkg/errors"
)

// Kind tags the concrete shape of a parsed Reply.
type Kind int8

const (
	SimpleString Kind = iota
	Error
	Integer
	BulkString
	Array
)

// Reply is one fully parsed RESP item. Null is set for a $-1 bulk string or
// a *-1 array; Str/Int/Bulk/Elems are populated according to Kind.
type Reply struct {
	Kind  Kind
	Str   string
	Int   int64
	Bulk  []byte
	Null  bool
	Elems []*Reply
}

type arrayFrame struct {
	want int
	got  []*Reply
}

// Builder is the root RESP state machine: it dispatches on the first byte
// of each item and keeps one stack frame per level of array nesting so it
// can suspend and resume mid-array across Feed calls.
type Builder struct {
	buf     *buffer.Buffer
	stack   []*arrayFrame
	aborted bool
}

// NewBuilder constructs an empty, resumable RESP builder.
func NewBuilder() *Builder {
	return &Builder{buf: buffer.New(0, 64)}
}

// Feed appends chunk and returns every top-level Reply it completes, in order.
func (b *Builder) Feed(chunk []byte) ([]*Reply, error) {
	if b.aborted {
		return nil, perrors.ErrBuilderAborted
	}
	_, _ = b.buf.Write(chunk)

	var out []*Reply
	for {
		item, progressed, err := b.parseOne()
		if err != nil {
			if err == perrors.ErrIncompletePacket {
				return out, nil
			}
			b.aborted = true
			return out, err
		}
		if !progressed {
			return out, nil
		}
		if item != nil {
			b.deliver(item, &out)
		}
	}
}

// deliver attaches a completed item to the innermost open array frame,
// bubbling completed arrays up through any number of closed frames, or
// appends it to the top-level output when no frame is open.
func (b *Builder) deliver(item *Reply, out *[]*Reply) {
	for {
		if len(b.stack) == 0 {
			*out = append(*out, item)
			return
		}
		top := b.stack[len(b.stack)-1]
		top.got = append(top.got, item)
		if len(top.got) < top.want {
			return
		}
		b.stack = b.stack[:len(b.stack)-1]
		item = &Reply{Kind: Array, Elems: top.got}
	}
}

// parseOne attempts to parse one RESP item starting at the read cursor.
// progressed is false when there isn't yet enough buffered data to make
// any progress; item is nil when parseOne only opened a new array frame.
func (b *Builder) parseOne() (item *Reply, progressed bool, err error) {
	data := b.buf.Readable()
	if len(data) == 0 {
		return nil, false, nil
	}
	switch data[0] {
	case '+', '-', ':':
		idx := bytes.Index(data, []byte{'\r', '\n'})
		if idx < 0 {
			return nil, false, nil
		}
		line := data[1:idx]
		b.buf.Advance(idx + 2)
		switch data[0] {
		case '+':
			return &Reply{Kind: SimpleString, Str: string(line)}, true, nil
		case '-':
			return &Reply{Kind: Error, Str: string(line)}, true, nil
		default:
			n, perr := strconv.ParseInt(string(line), 10, 64)
			if perr != nil {
				return nil, true, perrors.ErrInvalidInteger
			}
			return &Reply{Kind: Integer, Int: n}, true, nil
		}
	case '$':
		return b.parseBulk(data)
	case '*':
		return b.parseArrayHeader(data)
	default:
		return nil, true, perrors.ErrInvalidRespByte
	}
}

func (b *Builder) parseBulk(data []byte) (*Reply, bool, error) {
	idx := bytes.Index(data, []byte{'\r', '\n'})
	if idx < 0 {
		return nil, false, nil
	}
	n, err := strconv.Atoi(string(data[1:idx]))
	if err != nil {
		return nil, true, perrors.ErrInvalidBulkLength
	}
	if n < 0 {
		b.buf.Advance(idx + 2)
		return &Reply{Kind: BulkString, Null: true}, true, nil
	}
	total := idx + 2 + n + 2
	if len(data) < total {
		return nil, false, nil
	}
	if data[idx+2+n] != '\r' || data[idx+2+n+1] != '\n' {
		return nil, true, perrors.ErrInvalidBulkLength
	}
	body := append([]byte(nil), data[idx+2:idx+2+n]...)
	b.buf.Advance(total)
	return &Reply{Kind: BulkString, Bulk: body}, true, nil
}

func (b *Builder) parseArrayHeader(data []byte) (*Reply, bool, error) {
	idx := bytes.Index(data, []byte{'\r', '\n'})
	if idx < 0 {
		return nil, false, nil
	}
	n, err := strconv.Atoi(string(data[1:idx]))
	if err != nil {
		return nil, true, perrors.ErrInvalidInteger
	}
	b.buf.Advance(idx + 2)
	if n < 0 {
		return &Reply{Kind: Array, Null: true}, true, nil
	}
	if n == 0 {
		return &Reply{Kind: Array, Elems: []*Reply{}}, true, nil
	}
	b.stack = append(b.stack, &arrayFrame{want: n})
	return nil, true, nil
}
