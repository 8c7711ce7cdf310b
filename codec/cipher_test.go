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

package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	perrors "github.com/hydranet/hydranet/pkg/errors"
)

func testKey() []byte {
	k := make([]byte, MinKeySize)
	for i := range k {
		k[i] = byte(i * 7)
	}
	return k
}

func TestNewCipherRejectsShortKey(t *testing.T) {
	_, err := NewCipher(make([]byte, 10), DefaultWindowSize)
	require.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewCipher(testKey(), DefaultWindowSize)
	require.NoError(t, err)
	dec, err := NewCipher(testKey(), DefaultWindowSize)
	require.NoError(t, err)

	plain := []byte{0x00, 0x01, 'h', 'e', 'l', 'l', 'o'}
	cipherText := append([]byte(nil), plain...)
	no, err := enc.Encrypt(cipherText)
	require.NoError(t, err)
	require.False(t, bytes.Equal(plain, cipherText))

	err = dec.Decrypt(no, cipherText)
	require.NoError(t, err)
	require.Equal(t, plain, cipherText)
}

func TestDecryptRejectsReplay(t *testing.T) {
	dec, err := NewCipher(testKey(), DefaultWindowSize)
	require.NoError(t, err)

	data := []byte{0x00, 0x02, 'x', 'y'}
	require.NoError(t, dec.Decrypt(5, append([]byte(nil), data...)))
	err = dec.Decrypt(5, append([]byte(nil), data...))
	require.ErrorIs(t, err, perrors.ErrReplayDetected)
}
