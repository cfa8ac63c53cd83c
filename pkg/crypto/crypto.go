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
	"crypto/cipher"
	cryptorand "crypto/rand"
	"fmt"
	"io"

	"github.com/notapipeline/tower/pkg/types"
)

// randRead is referenced as a variable to enable it to be mocked in
// tests exercising generator failure.
var randRead func(b []byte) (int, error) = func(b []byte) (int, error) {
	return io.ReadFull(cryptorand.Reader, b)
}

// RandomBytes returns n cryptographically secure random bytes. It
// fails loudly when the underlying generator reports an error rather
// than returning low entropy data.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := randRead(b); err != nil {
		return nil, fmt.Errorf("%w: random generator: %v", types.ErrCrypto, err)
	}
	return b, nil
}

// RandomSalt returns a fresh salt of the standard size.
func RandomSalt() ([types.SaltSize]byte, error) {
	var salt [types.SaltSize]byte
	b, err := RandomBytes(types.SaltSize)
	if err != nil {
		return salt, err
	}
	copy(salt[:], b)
	return salt, nil
}

// RandomKey returns a fresh 256 bit key, used for DEK generation.
func RandomKey() ([types.KeySize]byte, error) {
	var key [types.KeySize]byte
	b, err := RandomBytes(types.KeySize)
	if err != nil {
		return key, err
	}
	copy(key[:], b)
	return key, nil
}

// RandomIV returns a fresh GCM nonce. IVs must never repeat under the
// same key; callers are responsible for requesting a fresh one before
// every encryption.
func RandomIV() ([types.IVSize]byte, error) {
	var iv [types.IVSize]byte
	b, err := RandomBytes(types.IVSize)
	if err != nil {
		return iv, err
	}
	copy(iv[:], b)
	return iv, nil
}

// Encrypt seals plaintext with AES-256-GCM and returns ciphertext with
// the 16 byte tag appended.
func Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	aead, err := newGCM(key, iv)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv, plaintext, nil), nil
}

// Decrypt opens an AES-256-GCM ciphertext produced by Encrypt. The tag
// is verified before any plaintext is released: a single flipped bit
// anywhere in ciphertext or tag yields an error, never corrupted
// plaintext.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	aead, err := newGCM(key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < types.TagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", types.ErrCrypto)
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", types.ErrCrypto)
	}
	return plaintext, nil
}

func newGCM(key, iv []byte) (cipher.AEAD, error) {
	if len(key) != types.KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d",
			types.ErrCrypto, types.KeySize, len(key))
	}
	if len(iv) != types.IVSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d",
			types.ErrCrypto, types.IVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCrypto, err)
	}
	return aead, nil
}

// Zero overwrites b. Used to scrub intermediate key material that is
// not held in an enclave.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
