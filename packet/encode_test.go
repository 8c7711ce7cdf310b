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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripServer(t *testing.T) {
	cmdAndBody := EncodeCmdAndBody(0x0001, []byte{0xAA, 0xBB})
	frame := Encode(Server, 0, cmdAndBody)

	b := NewBuilder(Server)
	pkts, err := b.Feed(frame)
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	require.Equal(t, uint16(1), pkts[0].Cmd)
	require.Equal(t, []byte{0xAA, 0xBB}, pkts[0].Body)
	require.False(t, pkts[0].HasClientSeq())
}

func TestEncodeDecodeRoundTripClientCarriesSeq(t *testing.T) {
	cmdAndBody := EncodeCmdAndBody(0x0042, []byte("hi"))
	frame := Encode(Client, 7, cmdAndBody)

	b := NewBuilder(Client)
	pkts, err := b.Feed(frame)
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	require.True(t, pkts[0].HasClientSeq())
	require.EqualValues(t, 7, pkts[0].ClientSeq)
	require.Equal(t, uint16(0x42), pkts[0].Cmd)
	require.Equal(t, []byte("hi"), pkts[0].Body)
}

func TestEncodeTwoFramesFedTogetherBothDecode(t *testing.T) {
	first := Encode(Server, 0, EncodeCmdAndBody(1, []byte{0x01}))
	second := Encode(Server, 0, EncodeCmdAndBody(2, []byte{0x02}))

	b := NewBuilder(Server)
	pkts, err := b.Feed(append(first, second...))
	require.NoError(t, err)
	require.Len(t, pkts, 2)
	require.Equal(t, uint16(1), pkts[0].Cmd)
	require.Equal(t, uint16(2), pkts[1].Cmd)
}
