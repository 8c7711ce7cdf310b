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

package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInnerNodeInfoRoundTrip(t *testing.T) {
	info := &InnerNodeInfo{
		Nid:    101,
		Type:   2,
		Sids:   []int32{1, 2, 3},
		Kv:     []KV{{Key: "session", Value: "abc-123"}},
		MaxNum: 4096,
	}
	encoded := EncodeInnerNodeInfo(info)
	decoded, err := DecodeInnerNodeInfo(encoded)
	require.NoError(t, err)
	require.Equal(t, info, decoded)
}

func TestInnerNodeInfoRoundTripEmptyFields(t *testing.T) {
	info := &InnerNodeInfo{Nid: 202}
	encoded := EncodeInnerNodeInfo(info)
	decoded, err := DecodeInnerNodeInfo(encoded)
	require.NoError(t, err)
	require.Equal(t, uint64(202), decoded.Nid)
	require.Nil(t, decoded.Sids)
	require.Nil(t, decoded.Kv)
}

func TestTransMessageRoundTrip(t *testing.T) {
	encoded := encodeTransMessage(101, 7, 42, []byte("payload"))
	fromNid, rpcID, cmd, payload, err := decodeTransMessage(encoded)
	require.NoError(t, err)
	require.Equal(t, uint64(101), fromNid)
	require.Equal(t, uint64(7), rpcID)
	require.Equal(t, int32(42), cmd)
	require.Equal(t, []byte("payload"), payload)
}

func TestRPCReturnRoundTrip(t *testing.T) {
	encoded := encodeRPCReturn(9, []byte("reply"), "")
	rpcID, payload, errStr, err := decodeRPCReturn(encoded)
	require.NoError(t, err)
	require.Equal(t, uint64(9), rpcID)
	require.Equal(t, []byte("reply"), payload)
	require.Empty(t, errStr)
}

func TestRPCReturnRoundTripWithError(t *testing.T) {
	encoded := encodeRPCReturn(9, nil, "boom")
	_, _, errStr, err := decodeRPCReturn(encoded)
	require.NoError(t, err)
	require.Equal(t, "boom", errStr)
}
