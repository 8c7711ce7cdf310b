// Copyright (c) 2019 Andy Pan
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

// Package errors holds the sentinel error taxonomy shared by every hydranet
// component. Call sites wrap these with github.com/pkg/errors for context
// and recover the sentinel with errors.Cause when they need to branch on it.
package errors

import "errors"

var (
	// ErrEngineShutdown occurs when the engine is going down.
	ErrEngineShutdown = errors.New("engine is going to be shut down")
	// ErrEngineInShutdown occurs when attempting to shut the engine down more than once.
	ErrEngineInShutdown = errors.New("engine is already in shutdown")
	// ErrAcceptSocket occurs when the acceptor fails to accept a new connection.
	ErrAcceptSocket = errors.New("accept a new connection error")
	// ErrUnsupportedProtocol occurs when trying to use a protocol scheme that is not supported.
	ErrUnsupportedProtocol = errors.New("only tcp/tcp4/tcp6/ws are supported")
	// ErrUnsupportedOp occurs when calling a method that has no meaning for this connection kind.
	ErrUnsupportedOp = errors.New("unsupported operation")
	// ErrNegativeSize occurs when passing a negative size to a buffer.
	ErrNegativeSize = errors.New("negative size is invalid")

	// ================================= framing / codec errors =================================

	// ErrIncompletePacket occurs when a chunk sequence has not yet yielded a full frame.
	ErrIncompletePacket = errors.New("incomplete packet")
	// ErrPacketTooLarge occurs when a frame's leading length exceeds packet.MaxPacketSize.
	ErrPacketTooLarge = errors.New("packet exceeds maximum frame size")
	// ErrInvalidLeadingField occurs when the configured leading-field width is not 2 or 4.
	ErrInvalidLeadingField = errors.New("leading field width must be 2 or 4 bytes")
	// ErrBuilderAborted occurs when a packet builder in the Abort state is fed more input.
	ErrBuilderAborted = errors.New("packet builder already aborted")

	// ================================= crypto / replay errors =================================

	// ErrMissingKey occurs when decrypting a frame for a connection with no provisioned key.
	ErrMissingKey = errors.New("missing encryption key for connection")
	// ErrReplayDetected occurs when a sequence number is found in the replay window.
	ErrReplayDetected = errors.New("duplicate sequence number, possible replay")
	// ErrShortCipherRegion occurs when the buffer is too small for the declared cipher region.
	ErrShortCipherRegion = errors.New("buffer too short for cipher region")

	// ================================= RESP errors =================================

	// ErrInvalidRespByte occurs when a RESP item starts with a byte that is not +-:$*.
	ErrInvalidRespByte = errors.New("invalid RESP type byte")
	// ErrInvalidInteger occurs when a RESP integer reply cannot be parsed.
	ErrInvalidInteger = errors.New("invalid RESP integer")
	// ErrInvalidBulkLength occurs when a $ length is malformed or missing its CRLF terminator.
	ErrInvalidBulkLength = errors.New("invalid RESP bulk string length")

	// ================================= redis client errors =================================

	// ErrAuthFailed occurs when a Redis AUTH/SELECT reply is not +OK.
	ErrAuthFailed = errors.New("redis authentication or db selection failed")
	// ErrBlockingOnReactor occurs when a blocking Redis call is attempted from the reactor goroutine.
	ErrBlockingOnReactor = errors.New("blocking redis call is forbidden from the reactor goroutine")
	// ErrAlreadyConnecting occurs when connect is called while already Connecting.
	ErrAlreadyConnecting = errors.New("connect already in progress")
	// ErrNotIdle occurs when reconnect is called outside an idle status.
	ErrNotIdle = errors.New("reconnect is only legal from an idle status")
	// ErrNotConnected occurs when an operation needs a live connection and none is
	// bound or ready: disconnect outside Connected, Send/Commit/Do, or a failed dial.
	ErrNotConnected = errors.New("connection is not established")

	// ================================= cluster errors =================================

	// ErrUnknownNode occurs when a cluster RPC targets a node id with no known connection.
	ErrUnknownNode = errors.New("unknown cluster node id")
	// ErrUnknownRPCID is logged, not returned, when an IrcRpcReturn references an unknown rpc id.
	ErrUnknownRPCID = errors.New("unknown rpc id in return")

	// ================================= service errors =================================

	// ErrNotInServiceGoroutine occurs when service-owned state is mutated off its pinned goroutine.
	ErrNotInServiceGoroutine = errors.New("call made outside owning service goroutine")
	// ErrServiceClosed occurs when posting a task to a service past Closed.
	ErrServiceClosed = errors.New("service is closed")

	// ================================= fatal startup errors =================================

	// ErrNodeIDNotConfigured occurs when no cluster node id is present in config at startup.
	ErrNodeIDNotConfigured = errors.New("cluster node id not present in configuration")
	// ErrRedisUnreachable occurs when the mandatory Redis backend cannot be reached at startup.
	ErrRedisUnreachable = errors.New("mandatory redis backend unreachable at startup")
)
