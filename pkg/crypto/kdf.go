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
	"crypto/sha256"
	"fmt"

	"github.com/notapipeline/tower/pkg/types"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

// DeriveKEK turns a password and salt into a 256 bit key encryption
// key using the algorithm and cost parameters in kdf. The result is
// deterministic in all inputs.
//
// The hashing only family is rejected outright here: callers are
// expected to have run the requested algorithm through
// Provider.ResolveKDF first, which downgrades rather than fails.
func DeriveKEK(password []byte, salt []byte, kdf types.KDFInfo) ([types.KeySize]byte, error) {
	var kek [types.KeySize]byte

	if len(salt) < types.MinSaltSize {
		return kek, types.InvalidSaltError{Length: len(salt)}
	}

	switch kdf.Type {
	case types.KDFTypePBKDF2:
		iterations := kdf.Iterations
		if iterations < types.MinPBKDF2Iterations {
			iterations = types.MinPBKDF2Iterations
		}
		copy(kek[:], pbkdf2.Key(password, salt, int(iterations), types.KeySize, sha256.New))
		return kek, nil

	case types.KDFTypeArgon2id:
		if kdf.MemoryKB == 0 || kdf.Iterations == 0 || kdf.Parallelism == 0 {
			return kek, fmt.Errorf("%w: argon2id parameters must be positive", types.ErrCrypto)
		}
		copy(kek[:], argon2.IDKey(password, salt, kdf.Iterations,
			kdf.MemoryKB, kdf.Parallelism, types.KeySize))
		return kek, nil

	default:
		return kek, types.UnsupportedTypeError{Value: kdf.Type}
	}
}

// IdentityDigest hashes an identity with a salt using one of the
// hashing only algorithms. Used when the vault policy stores hashed
// usernames to prevent identity enumeration from the slot table.
func IdentityDigest(alg types.KDFType, salt []byte, identity string) ([]byte, error) {
	msg := make([]byte, 0, len(salt)+len(identity))
	msg = append(msg, salt...)
	msg = append(msg, identity...)

	switch alg {
	case types.HashSHA3x256:
		sum := sha3.Sum256(msg)
		return sum[:], nil
	case types.HashSHA3x384:
		sum := sha3.Sum384(msg)
		return sum[:], nil
	case types.HashSHA3x512:
		sum := sha3.Sum512(msg)
		return sum[:], nil
	default:
		return nil, types.UnsupportedTypeError{Value: alg}
	}
}

// HistoryDigest computes the salted digest stored in password history
// entries. A deliberately cheaper cost than the KEK derivation: history
// only gates reuse, it never protects key material.
func HistoryDigest(password []byte, salt []byte) [types.KeySize]byte {
	var digest [types.KeySize]byte
	copy(digest[:], pbkdf2.Key(password, salt, types.HistoryIterations, types.KeySize, sha256.New))
	return digest
}
