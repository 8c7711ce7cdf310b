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

// Package cluster implements the inter-node link layer: handshake, a
// NodeData table keyed by node id, RPC-id routing, and wait_connected
// predicates over the same node table.
package cluster

import (
	"google.golang.org/protobuf/encoding/protowire"

	perrors "github.com/hydranet/hydranet/pkg/errors"
)

// Reserved cluster command ids, carried as the Cmd field of a packet.Server
// framed NetPacket whose Body is an encoded InnerNodeInfo (handshake/info),
// an InnerTransMessage (rpc/broadcast), or an InnerRpcReturn.
const (
	IrcNodeHandshake         uint16 = 1
	IrcNodeInfoNtf           uint16 = 2
	IrcTransMessageNtf       uint16 = 3
	IrcBroadcastSidMessageNtf uint16 = 4
	IrcMultiTransMessageNtf  uint16 = 5
	IrcRpcCall               uint16 = 6
	IrcRpcReturn             uint16 = 7
	IrcCrossCall             uint16 = 8
)

// KV is one free-form capability entry InnerNodeInfo exchanges at handshake
// time, used by the example command to tag a build/session uuid for log
// correlation across nodes.
type KV struct {
	Key   string
	Value string
}

// InnerNodeInfo is the handshake/info-notify payload: the node's own id, its
// declared type, the service ids it hosts, a free-form kv capability list,
// and a declared maximum concurrent-connection hint.
type InnerNodeInfo struct {
	Nid    uint64
	Type   int32
	Sids   []int32
	Kv     []KV
	MaxNum int32
}

const (
	fieldNid    = 1
	fieldType   = 2
	fieldSids   = 3
	fieldKv     = 4
	fieldMaxNum = 5
	kvFieldKey  = 1
	kvFieldVal  = 2
)

// EncodeInnerNodeInfo hand-encodes info using protowire directly: no .proto
// schema ships with this tree (a generated .pb.go would have nothing to
// generate from), so the wire form is built and parsed field by field
// against the same field numbers and wire types a generated message would
// use, keeping the encoding forward-compatible with a real schema later.
func EncodeInnerNodeInfo(info *InnerNodeInfo) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldNid, protowire.VarintType)
	b = protowire.AppendVarint(b, info.Nid)
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(info.Type)))
	for _, sid := range info.Sids {
		b = protowire.AppendTag(b, fieldSids, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(sid)))
	}
	for _, kv := range info.Kv {
		b = protowire.AppendTag(b, fieldKv, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeKV(kv))
	}
	b = protowire.AppendTag(b, fieldMaxNum, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(info.MaxNum)))
	return b
}

func encodeKV(kv KV) []byte {
	var b []byte
	b = protowire.AppendTag(b, kvFieldKey, protowire.BytesType)
	b = protowire.AppendString(b, kv.Key)
	b = protowire.AppendTag(b, kvFieldVal, protowire.BytesType)
	b = protowire.AppendString(b, kv.Value)
	return b
}

// DecodeInnerNodeInfo parses the wire form EncodeInnerNodeInfo produces.
// Unknown fields are skipped rather than rejected, the same forward
// compatibility a generated message would give for free.
func DecodeInnerNodeInfo(data []byte) (*InnerNodeInfo, error) {
	info := &InnerNodeInfo{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, perrors.ErrInvalidInteger
		}
		data = data[n:]
		switch num {
		case fieldNid:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, perrors.ErrInvalidInteger
			}
			info.Nid = v
			data = data[n:]
		case fieldType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, perrors.ErrInvalidInteger
			}
			info.Type = int32(uint32(v))
			data = data[n:]
		case fieldSids:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, perrors.ErrInvalidInteger
			}
			info.Sids = append(info.Sids, int32(uint32(v)))
			data = data[n:]
		case fieldKv:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, perrors.ErrInvalidInteger
			}
			kv, err := decodeKV(v)
			if err != nil {
				return nil, err
			}
			info.Kv = append(info.Kv, kv)
			data = data[n:]
		case fieldMaxNum:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, perrors.ErrInvalidInteger
			}
			info.MaxNum = int32(uint32(v))
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, perrors.ErrInvalidInteger
			}
			data = data[n:]
		}
	}
	return info, nil
}

const (
	transFieldFromNid = 1
	transFieldRPCID   = 2
	transFieldCmd     = 3
	transFieldPayload = 4

	returnFieldRPCID   = 1
	returnFieldPayload = 2
	returnFieldErr     = 3
)

// encodeTransMessage builds the IrcRpcCall/IrcTransMessageNtf envelope that
// carries a caller-chosen application cmd and payload alongside the routing
// metadata (sender node id, rpc id) the link layer needs to route a reply.
func encodeTransMessage(fromNid, rpcID uint64, cmd int32, payload []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, transFieldFromNid, protowire.VarintType)
	b = protowire.AppendVarint(b, fromNid)
	b = protowire.AppendTag(b, transFieldRPCID, protowire.VarintType)
	b = protowire.AppendVarint(b, rpcID)
	b = protowire.AppendTag(b, transFieldCmd, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(cmd)))
	b = protowire.AppendTag(b, transFieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b
}

func decodeTransMessage(data []byte) (fromNid, rpcID uint64, cmd int32, payload []byte, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, 0, 0, nil, perrors.ErrInvalidInteger
		}
		data = data[n:]
		switch num {
		case transFieldFromNid:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, 0, 0, nil, perrors.ErrInvalidInteger
			}
			fromNid = v
			data = data[n:]
		case transFieldRPCID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, 0, 0, nil, perrors.ErrInvalidInteger
			}
			rpcID = v
			data = data[n:]
		case transFieldCmd:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, 0, 0, nil, perrors.ErrInvalidInteger
			}
			cmd = int32(uint32(v))
			data = data[n:]
		case transFieldPayload:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return 0, 0, 0, nil, perrors.ErrInvalidInteger
			}
			payload = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return 0, 0, 0, nil, perrors.ErrInvalidInteger
			}
			data = data[n:]
		}
	}
	return fromNid, rpcID, cmd, payload, nil
}

// encodeRPCReturn builds the IrcRpcReturn envelope a call_rpc_to_server
// reply travels back in: the same rpc id the call carried, the response
// payload, and an error string (empty on success).
func encodeRPCReturn(rpcID uint64, payload []byte, errStr string) []byte {
	var b []byte
	b = protowire.AppendTag(b, returnFieldRPCID, protowire.VarintType)
	b = protowire.AppendVarint(b, rpcID)
	b = protowire.AppendTag(b, returnFieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	if errStr != "" {
		b = protowire.AppendTag(b, returnFieldErr, protowire.BytesType)
		b = protowire.AppendString(b, errStr)
	}
	return b
}

func decodeRPCReturn(data []byte) (rpcID uint64, payload []byte, errStr string, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, nil, "", perrors.ErrInvalidInteger
		}
		data = data[n:]
		switch num {
		case returnFieldRPCID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, nil, "", perrors.ErrInvalidInteger
			}
			rpcID = v
			data = data[n:]
		case returnFieldPayload:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return 0, nil, "", perrors.ErrInvalidInteger
			}
			payload = append([]byte(nil), v...)
			data = data[n:]
		case returnFieldErr:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return 0, nil, "", perrors.ErrInvalidInteger
			}
			errStr = string(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return 0, nil, "", perrors.ErrInvalidInteger
			}
			data = data[n:]
		}
	}
	return rpcID, payload, errStr, nil
}

func decodeKV(data []byte) (KV, error) {
	var kv KV
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return kv, perrors.ErrInvalidInteger
		}
		data = data[n:]
		switch num {
		case kvFieldKey:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return kv, perrors.ErrInvalidInteger
			}
			kv.Key = string(v)
			data = data[n:]
		case kvFieldVal:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return kv, perrors.ErrInvalidInteger
			}
			kv.Value = string(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return kv, perrors.ErrInvalidInteger
			}
			data = data[n:]
		}
	}
	return kv, nil
}
