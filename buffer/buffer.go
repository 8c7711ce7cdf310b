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

// Package buffer implements a reserved-prepend, grow-by-compact byte region
// used by the packet and RESP builders to reassemble framed data without
// copying on every partial read.
package buffer

import (
	"encoding/binary"

	"github.com/valyala/bytebufferpool"

	perrors "github.com/hydranet/hydranet/pkg/errors"
)

// DefaultPrependReserve is the number of bytes kept free at the front of a
// freshly allocated Buffer so a header can be written in place without a copy.
const DefaultPrependReserve = 16

var pool bytebufferpool.Pool

// Buffer is a byte region with prepend_reserve <= read <= write <= capacity.
type Buffer struct {
	buf     []byte
	prepend int
	r       int
	w       int
	bb      *bytebufferpool.ByteBuffer
}

// New allocates a Buffer with the given prepend reserve and initial capacity.
func New(prependReserve, capacity int) *Buffer {
	bb := pool.Get()
	need := prependReserve + capacity
	if cap(bb.B) < need {
		bb.B = make([]byte, need)
	} else {
		bb.B = bb.B[:need]
	}
	return &Buffer{
		buf:     bb.B,
		prepend: prependReserve,
		r:       prependReserve,
		w:       prependReserve,
		bb:      bb,
	}
}

// Wrap builds a Buffer directly over an existing slice with no prepend
// reserve; used for the zero-copy "first chunk becomes the packet" path.
func Wrap(b []byte) *Buffer {
	return &Buffer{buf: b, prepend: 0, r: 0, w: len(b)}
}

// Reset releases the backing array back to the pool and clears cursors.
func (b *Buffer) Reset() {
	if b.bb != nil {
		pool.Put(b.bb)
		b.bb = nil
	}
	b.buf = nil
	b.r, b.w, b.prepend = 0, 0, 0
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return b.w - b.r }

// Cap returns total backing capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Readable exposes the unread region directly; callers must not retain it
// across a Write/ensureFreeSpace call.
func (b *Buffer) Readable() []byte { return b.buf[b.r:b.w] }

// Advance moves the read cursor forward by n bytes.
func (b *Buffer) Advance(n int) {
	if n < 0 || n > b.Len() {
		panic(perrors.ErrNegativeSize)
	}
	b.r += n
}

// DiscardTail drops n bytes from the write end, shrinking the readable region.
func (b *Buffer) DiscardTail(n int) {
	if n < 0 || n > b.Len() {
		panic(perrors.ErrNegativeSize)
	}
	b.w -= n
}

// Write appends p to the buffer, growing as needed.
func (b *Buffer) Write(p []byte) (int, error) {
	b.ensureFreeSpace(len(p))
	copy(b.buf[b.w:], p)
	b.w += len(p)
	return len(p), nil
}

// Extend returns a mutable slice of n uncommitted bytes at the write cursor
// and advances the write cursor past it; callers fill it in place.
func (b *Buffer) Extend(n int) []byte {
	b.ensureFreeSpace(n)
	s := b.buf[b.w : b.w+n]
	b.w += n
	return s
}

// Prepend writes p immediately before the read cursor, consuming the
// prepend reserve; it panics if the reserve is insufficient.
func (b *Buffer) Prepend(p []byte) {
	if len(p) > b.r-0 {
		panic("buffer: insufficient prepend reserve")
	}
	b.r -= len(p)
	copy(b.buf[b.r:], p)
}

// ensureFreeSpace grows the buffer so that n more bytes can be written.
// It compacts already-consumed bytes into the prepend reserve before
// reallocating, matching the grow policy named in the data model.
func (b *Buffer) ensureFreeSpace(n int) {
	if len(b.buf)-b.w >= n {
		return
	}
	consumed := b.r - b.prepend
	if consumed >= n {
		copy(b.buf[b.prepend:], b.buf[b.r:b.w])
		b.w -= b.r - b.prepend
		b.r = b.prepend
		return
	}
	newCap := len(b.buf)*2 + n
	nb := make([]byte, newCap)
	copy(nb[b.prepend:], b.buf[b.r:b.w])
	b.w -= b.r - b.prepend
	b.r = b.prepend
	b.buf = nb
}

// PeekU8 reads one byte at the read cursor without advancing it.
func (b *Buffer) PeekU8() (uint8, bool) {
	if b.Len() < 1 {
		return 0, false
	}
	return b.buf[b.r], true
}

// PeekU16 reads a big-endian uint16 at the read cursor without advancing it.
func (b *Buffer) PeekU16() (uint16, bool) {
	if b.Len() < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(b.buf[b.r:]), true
}

// PeekU32 reads a big-endian uint32 at the read cursor without advancing it.
func (b *Buffer) PeekU32() (uint32, bool) {
	if b.Len() < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b.buf[b.r:]), true
}

// PeekU64 reads a big-endian uint64 at the read cursor without advancing it.
func (b *Buffer) PeekU64() (uint64, bool) {
	if b.Len() < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(b.buf[b.r:]), true
}

// ReadU8 reads and consumes one byte.
func (b *Buffer) ReadU8() (uint8, bool) {
	v, ok := b.PeekU8()
	if ok {
		b.r++
	}
	return v, ok
}

// ReadU16 reads and consumes a big-endian uint16.
func (b *Buffer) ReadU16() (uint16, bool) {
	v, ok := b.PeekU16()
	if ok {
		b.r += 2
	}
	return v, ok
}

// ReadU32 reads and consumes a big-endian uint32.
func (b *Buffer) ReadU32() (uint32, bool) {
	v, ok := b.PeekU32()
	if ok {
		b.r += 4
	}
	return v, ok
}

// ReadU64 reads and consumes a big-endian uint64.
func (b *Buffer) ReadU64() (uint64, bool) {
	v, ok := b.PeekU64()
	if ok {
		b.r += 8
	}
	return v, ok
}

// PutU16 writes v as a big-endian uint16 at the write cursor.
func (b *Buffer) PutU16(v uint16) {
	binary.BigEndian.PutUint16(b.Extend(2), v)
}

// PutU32 writes v as a big-endian uint32 at the write cursor.
func (b *Buffer) PutU32(v uint32) {
	binary.BigEndian.PutUint32(b.Extend(4), v)
}
