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

package resp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilderRespSplitAtEveryByteBoundary(t *testing.T) {
	wire := []byte("*3\r\n$3\r\nfoo\r\n:42\r\n$-1\r\n")

	b := NewBuilder()
	var got []*Reply
	for _, c := range wire {
		replies, err := b.Feed([]byte{c})
		require.NoError(t, err)
		got = append(got, replies...)
	}

	require.Len(t, got, 1)
	top := got[0]
	require.Equal(t, Array, top.Kind)
	require.Len(t, top.Elems, 3)
	require.Equal(t, BulkString, top.Elems[0].Kind)
	require.Equal(t, "foo", string(top.Elems[0].Bulk))
	require.Equal(t, Integer, top.Elems[1].Kind)
	require.EqualValues(t, 42, top.Elems[1].Int)
	require.True(t, top.Elems[2].Null)
}

func TestBuilderSimpleStringAndError(t *testing.T) {
	b := NewBuilder()
	replies, err := b.Feed([]byte("+OK\r\n-ERR bad\r\n"))
	require.NoError(t, err)
	require.Len(t, replies, 2)
	require.Equal(t, "OK", replies[0].Str)
	require.Equal(t, Error, replies[1].Kind)
	require.Equal(t, "ERR bad", replies[1].Str)
}

func TestBuilderInvalidTypeByteAborts(t *testing.T) {
	b := NewBuilder()
	_, err := b.Feed([]byte("X\r\n"))
	require.Error(t, err)
	_, err = b.Feed([]byte("+OK\r\n"))
	require.Error(t, err)
}

func TestBuilderNestedArray(t *testing.T) {
	b := NewBuilder()
	replies, err := b.Feed([]byte("*2\r\n*1\r\n:1\r\n+hi\r\n"))
	require.NoError(t, err)
	require.Len(t, replies, 1)
	outer := replies[0]
	require.Len(t, outer.Elems, 2)
	require.Equal(t, Array, outer.Elems[0].Kind)
	require.EqualValues(t, 1, outer.Elems[0].Elems[0].Int)
	require.Equal(t, "hi", outer.Elems[1].Str)
}
