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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilderFragmentedFrame(t *testing.T) {
	b := NewBuilder(Server)

	pkts, err := b.Feed([]byte{0x00})
	require.NoError(t, err)
	require.Empty(t, pkts)

	pkts, err = b.Feed([]byte{0x00, 0x00, 0x08})
	require.NoError(t, err)
	require.Empty(t, pkts)

	pkts, err = b.Feed([]byte{0x00, 0x01, 0xAA, 0xBB})
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	require.Equal(t, uint16(1), pkts[0].Cmd)
	require.Equal(t, []byte{0xAA, 0xBB}, pkts[0].Body)
	require.Equal(t, Null, b.State())
}

func frameServer(cmd uint16, body []byte) []byte {
	total := 4 + 2 + len(body)
	out := make([]byte, 0, total)
	lb := make([]byte, 4)
	binary.BigEndian.PutUint32(lb, uint32(total))
	out = append(out, lb...)
	cb := make([]byte, 2)
	binary.BigEndian.PutUint16(cb, cmd)
	out = append(out, cb...)
	out = append(out, body...)
	return out
}

func TestBuilderCoalescedFrames(t *testing.T) {
	f1 := frameServer(1, []byte("ab"))
	f2 := frameServer(2, []byte("cdef"))
	chunk := append(append([]byte(nil), f1...), f2...)

	b := NewBuilder(Server)
	pkts, err := b.Feed(chunk)
	require.NoError(t, err)
	require.Len(t, pkts, 2)
	require.Equal(t, uint16(1), pkts[0].Cmd)
	require.Equal(t, "ab", string(pkts[0].Body))
	require.Equal(t, uint16(2), pkts[1].Cmd)
	require.Equal(t, "cdef", string(pkts[1].Body))
}

func TestBuilderOverLimitAborts(t *testing.T) {
	b := NewBuilder(Server)
	oversize := []byte{0x02, 0x00, 0x00, 0x01}
	_, err := b.Feed(oversize)
	require.Error(t, err)
	require.Equal(t, Abort, b.State())

	_, err = b.Feed([]byte{0x00})
	require.Error(t, err)
}

func TestBuilderArbitrarySplitIsOrderPreserving(t *testing.T) {
	f1 := frameServer(10, []byte("hello world"))
	f2 := frameServer(11, []byte("x"))
	f3 := frameServer(12, []byte{})
	whole := append(append(append([]byte(nil), f1...), f2...), f3...)

	for split := 1; split < len(whole); split++ {
		b := NewBuilder(Server)
		var got []*NetPacket
		for i := 0; i < len(whole); i += split {
			end := i + split
			if end > len(whole) {
				end = len(whole)
			}
			pkts, err := b.Feed(whole[i:end])
			require.NoError(t, err)
			got = append(got, pkts...)
		}
		require.Len(t, got, 3, "split size %d", split)
		require.Equal(t, uint16(10), got[0].Cmd)
		require.Equal(t, "hello world", string(got[0].Body))
		require.Equal(t, uint16(11), got[1].Cmd)
		require.Equal(t, "x", string(got[1].Body))
		require.Equal(t, uint16(12), got[2].Cmd)
		require.Equal(t, 0, len(got[2].Body))
	}
}

func TestBuilderClientOriginatedHasSeq(t *testing.T) {
	body := []byte("ping")
	total := 2 + 1 + 2 + len(body)
	frame := make([]byte, 0, total+2)
	lb := make([]byte, 2)
	binary.BigEndian.PutUint16(lb, uint16(total))
	frame = append(frame, lb...)
	frame = append(frame, 7) // client seq
	cb := make([]byte, 2)
	binary.BigEndian.PutUint16(cb, 99)
	frame = append(frame, cb...)
	frame = append(frame, body...)

	b := NewBuilder(Client)
	pkts, err := b.Feed(frame)
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	require.True(t, pkts[0].HasClientSeq())
	require.EqualValues(t, 7, pkts[0].ClientSeq)
	require.Equal(t, uint16(99), pkts[0].Cmd)
	require.Equal(t, body, pkts[0].Body)
}
