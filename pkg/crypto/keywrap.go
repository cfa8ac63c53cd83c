/*
 *   Copyright 2024 Martin Proffitt <mproffitt@choclab.net>
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 */
package crypto

import (
	"crypto/aes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/notapipeline/tower/pkg/types"
)

// kwIV is the integrity check value from RFC 3394 section 2.2.3.
var kwIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// WrapKey wraps a 256 bit DEK under a 256 bit KEK using AES-KW
// (RFC 3394 / NIST SP 800-38F). The output is always exactly 40 bytes
// and the operation is deterministic: identical inputs wrap
// identically, which keeps slot serialization stable across saves.
func WrapKey(kek, dek [types.KeySize]byte) ([types.WrappedKeySize]byte, error) {
	var wrapped [types.WrappedKeySize]byte

	block, err := aes.NewCipher(kek[:])
	if err != nil {
		return wrapped, fmt.Errorf("%w: %v", types.ErrCrypto, err)
	}

	const n = types.KeySize / 8

	var a [8]byte = kwIV
	var r [n][8]byte
	for i := 0; i < n; i++ {
		copy(r[i][:], dek[i*8:])
	}

	var b [16]byte
	for j := 0; j <= 5; j++ {
		for i := 0; i < n; i++ {
			copy(b[:8], a[:])
			copy(b[8:], r[i][:])
			block.Encrypt(b[:], b[:])

			t := uint64(n*j + i + 1)
			binary.BigEndian.PutUint64(a[:], binary.BigEndian.Uint64(b[:8])^t)
			copy(r[i][:], b[8:])
		}
	}

	copy(wrapped[:8], a[:])
	for i := 0; i < n; i++ {
		copy(wrapped[8+i*8:], r[i][:])
	}
	return wrapped, nil
}

// UnwrapKey reverses WrapKey. The built in integrity check is the sole
// authentication mechanism for password correctness in the multi user
// format: a wrong KEK or a corrupted blob fails with ErrUnwrapFailed
// and never yields key material.
func UnwrapKey(kek [types.KeySize]byte, wrapped [types.WrappedKeySize]byte) ([types.KeySize]byte, error) {
	var dek [types.KeySize]byte

	block, err := aes.NewCipher(kek[:])
	if err != nil {
		return dek, fmt.Errorf("%w: %v", types.ErrCrypto, err)
	}

	const n = types.KeySize / 8

	var a [8]byte
	copy(a[:], wrapped[:8])
	var r [n][8]byte
	for i := 0; i < n; i++ {
		copy(r[i][:], wrapped[8+i*8:])
	}

	var b [16]byte
	for j := 5; j >= 0; j-- {
		for i := n - 1; i >= 0; i-- {
			t := uint64(n*j + i + 1)
			binary.BigEndian.PutUint64(b[:8], binary.BigEndian.Uint64(a[:])^t)
			copy(b[8:], r[i][:])
			block.Decrypt(b[:], b[:])

			copy(a[:], b[:8])
			copy(r[i][:], b[8:])
		}
	}

	if subtle.ConstantTimeCompare(a[:], kwIV[:]) != 1 {
		return dek, types.ErrUnwrapFailed
	}

	for i := 0; i < n; i++ {
		copy(dek[i*8:], r[i][:])
	}
	return dek, nil
}

// CombineLegacy folds a fixed 160 bit hardware response into the KEK
// by XORing the first 20 bytes. The remaining 12 bytes of the KEK pass
// through unchanged. Retained only to open vaults enrolled before the
// variable length path existed; new enrollments use CombineSecret.
func CombineLegacy(kek [types.KeySize]byte, response [types.LegacyResponseSize]byte) [types.KeySize]byte {
	combined := kek
	for i := 0; i < types.LegacyResponseSize; i++ {
		combined[i] ^= response[i]
	}
	return combined
}

// CombineSecret folds a variable length hardware secret into the KEK.
// Responses of 32 bytes or fewer are zero padded to 32; longer
// responses are hashed down to 32 with SHA-256. The normalized secret
// is then XORed over the whole KEK.
//
// An empty response is an error. The original behaviour of returning
// the KEK unchanged would silently drop the second factor.
func CombineSecret(kek [types.KeySize]byte, response []byte) ([types.KeySize]byte, error) {
	var combined [types.KeySize]byte
	if len(response) == 0 {
		return combined, fmt.Errorf("%w: empty hardware response", types.ErrHardware)
	}

	var normalized [types.KeySize]byte
	if len(response) <= types.KeySize {
		copy(normalized[:], response)
	} else {
		normalized = sha256.Sum256(response)
	}

	combined = kek
	for i := range combined {
		combined[i] ^= normalized[i]
	}
	Zero(normalized[:])
	return combined, nil
}
