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
package types

const (
	// KeySize is the size in bytes of both the KEK and the DEK.
	KeySize = 32

	// WrappedKeySize is the size of an AES-KW wrapped DEK: 32 bytes of
	// key material plus the 8 byte integrity block.
	WrappedKeySize = 40

	// SaltSize is the size of per-slot and master salts.
	SaltSize = 32

	// MinSaltSize is the smallest salt accepted by key derivation.
	MinSaltSize = 16

	// IVSize is the AES-GCM nonce size.
	IVSize = 12

	// TagSize is the AES-GCM authentication tag size.
	TagSize = 16

	// LegacyResponseSize is the fixed response size of the legacy
	// 160 bit hardware combination path.
	LegacyResponseSize = 20

	// MaxKeySlots bounds the slot table to keep headers small.
	MaxKeySlots = 32
)

const (
	// MinPBKDF2Iterations is the floor enforced for the iterative KDF.
	MinPBKDF2Iterations = 10000

	// DefaultPBKDF2Iterations follows current OWASP guidance.
	DefaultPBKDF2Iterations = 600000

	// DefaultArgon2MemoryKB is 64MB of memory cost.
	DefaultArgon2MemoryKB = 65536

	// DefaultArgon2Iterations is the Argon2id time cost.
	DefaultArgon2Iterations = 3

	// DefaultArgon2Parallelism is the Argon2id lane count.
	DefaultArgon2Parallelism = 4

	// HistoryIterations is the PBKDF2 cost used for password history
	// digests. History entries only gate reuse so a lower cost than the
	// KEK derivation is acceptable.
	HistoryIterations = 10000
)

// KDFType identifies a key derivation or identity hashing algorithm.
//
// Values below 0x10 are password KDFs. Values from 0x10 upward are the
// hashing only family used for identity digests and must never be used
// to derive key material.
type KDFType uint8

const (
	KDFTypePBKDF2   KDFType = 0x01
	KDFTypeArgon2id KDFType = 0x02

	HashSHA3x256 KDFType = 0x10
	HashSHA3x384 KDFType = 0x11
	HashSHA3x512 KDFType = 0x12
)

// HashOnly reports whether t belongs to the hashing only family.
func (t KDFType) HashOnly() bool {
	return t >= HashSHA3x256
}

func (t KDFType) String() string {
	switch t {
	case KDFTypePBKDF2:
		return "pbkdf2-sha256"
	case KDFTypeArgon2id:
		return "argon2id"
	case HashSHA3x256:
		return "sha3-256"
	case HashSHA3x384:
		return "sha3-384"
	case HashSHA3x512:
		return "sha3-512"
	}
	return "unknown"
}

// UserRole determines what vault operations a session may perform.
type UserRole uint8

const (
	RoleAdministrator UserRole = 0x01
	RoleStandardUser  UserRole = 0x02
)

func (r UserRole) String() string {
	switch r {
	case RoleAdministrator:
		return "administrator"
	case RoleStandardUser:
		return "standard"
	}
	return "unknown"
}

// Valid reports whether r is a role this package knows about.
func (r UserRole) Valid() bool {
	return r == RoleAdministrator || r == RoleStandardUser
}
