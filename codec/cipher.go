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

// Package codec implements the per-connection XOR stream cipher used to
// obscure the leading bytes of a packet's cmd+body region, along with the
// bounded replay window that guards against duplicate sequence numbers.
package codec

import (
	"crypto/rand"

	perrors "github.com/hydranet/hydranet/pkg/errors"
)

// MinKeySize is the minimum length of a connection's encryption key.
const MinKeySize = 64

// cmdFieldLen is the width, in bytes, of the cmd field inside the region
// the cipher scrambles.
const cmdFieldLen = 2

// DefaultWindowSize is the default bound on the replay window: the received
// sequence number must differ from the immediate predecessor.
const DefaultWindowSize = 1

// Cipher holds one connection's encryption key and sliding replay window.
// It is only ever read or written from the owning service goroutine.
type Cipher struct {
	key        []byte
	window     []byte
	windowSize int
}

// NewCipher builds a Cipher over key, which must be at least MinKeySize
// bytes, with a replay window bounded to windowSize entries.
func NewCipher(key []byte, windowSize int) (*Cipher, error) {
	if len(key) < MinKeySize {
		return nil, perrors.ErrMissingKey
	}
	if windowSize < 1 {
		windowSize = DefaultWindowSize
	}
	return &Cipher{key: append([]byte(nil), key...), windowSize: windowSize}, nil
}

// region returns the byte count the cipher scrambles for a body of length
// bodyLen: min(cmd_len + min(body_len, 4), 64 - no).
func region(bodyLen int, no byte) int {
	n := cmdFieldLen + bodyLen
	if bodyLen > 4 {
		n = cmdFieldLen + 4
	}
	if max := MinKeySize - int(no); n > max {
		n = max
	}
	return n
}

func (c *Cipher) seen(no byte) bool {
	for _, s := range c.window {
		if s == no {
			return true
		}
	}
	return false
}

func (c *Cipher) remember(no byte) {
	c.window = append(c.window, no)
	if len(c.window) > c.windowSize {
		c.window = c.window[len(c.window)-c.windowSize:]
	}
}

// pickSeq returns a random sequence number in [0, 63] absent from the
// current replay window.
func (c *Cipher) pickSeq() (byte, error) {
	for tries := 0; tries < 256; tries++ {
		b := make([]byte, 1)
		if _, err := rand.Read(b); err != nil {
			return 0, err
		}
		no := b[0] & 0x3f
		if !c.seen(no) {
			return no, nil
		}
	}
	return 0, perrors.ErrReplayDetected
}

// Encrypt XORs the leading bytes of cmdAndBody in place, using a freshly
// picked sequence number absent from the replay window, and returns that
// sequence number to be carried on the wire alongside the frame.
func (c *Cipher) Encrypt(cmdAndBody []byte) (byte, error) {
	no, err := c.pickSeq()
	if err != nil {
		return 0, err
	}
	c.xor(cmdAndBody, no)
	c.remember(no)
	return no, nil
}

// Decrypt reverses Encrypt given the sequence number carried on the wire.
// It rejects a sequence number already present in the replay window.
func (c *Cipher) Decrypt(no byte, cmdAndBody []byte) error {
	if c.seen(no) {
		return perrors.ErrReplayDetected
	}
	c.xor(cmdAndBody, no)
	c.remember(no)
	return nil
}

func (c *Cipher) xor(cmdAndBody []byte, no byte) {
	bodyLen := len(cmdAndBody) - cmdFieldLen
	if bodyLen < 0 {
		bodyLen = 0
	}
	n := region(bodyLen, no)
	if n > len(cmdAndBody) {
		n = len(cmdAndBody)
	}
	for i := 0; i < n; i++ {
		cmdAndBody[i] ^= c.key[int(no)+i]
	}
}
