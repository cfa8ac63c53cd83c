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

// KDFInfo carries the algorithm id and cost parameters used to turn a
// password into a KEK. The same shape describes both the iterative and
// the memory hard scheme; unused fields are zero.
type KDFInfo struct {
	Type        KDFType
	Iterations  uint32
	MemoryKB    uint32
	Parallelism uint8
}

// DefaultKDF returns the iterative scheme at the recommended cost.
func DefaultKDF() KDFInfo {
	return KDFInfo{
		Type:       KDFTypePBKDF2,
		Iterations: DefaultPBKDF2Iterations,
	}
}

// DefaultArgon2KDF returns the memory hard scheme at its default cost.
func DefaultArgon2KDF() KDFInfo {
	return KDFInfo{
		Type:        KDFTypeArgon2id,
		Iterations:  DefaultArgon2Iterations,
		MemoryKB:    DefaultArgon2MemoryKB,
		Parallelism: DefaultArgon2Parallelism,
	}
}

// MigrationFlagActive marks an identity hash migration as in progress.
// The remaining bits of SecurityPolicy.MigrationFlags are reserved and
// must be zero on disk.
const MigrationFlagActive = 0x01

// SecurityPolicy is the vault wide policy snapshot persisted in the
// header. It is set at creation time and may be amended by an
// administrator; it applies to every slot in the table.
type SecurityPolicy struct {
	MinPasswordLength    uint32  `yaml:"min_password_length"`
	KDF                  KDFInfo `yaml:"-"`
	PasswordHistoryDepth uint32  `yaml:"password_history_depth"`
	RequireHardware      bool    `yaml:"require_hardware"`
	IdentityHashAlg      KDFType `yaml:"-"`
	FECRedundancy        uint8   `yaml:"fec_redundancy"`

	// IdentityHashAlgPrevious, MigrationStartedAt and MigrationFlags
	// track an in flight identity hash migration. While the active flag
	// is set, slots written before the algorithm change still resolve
	// under the previous scheme; slots are rebased to the current one
	// as their owners authenticate. All three are zero when no
	// migration is under way.
	IdentityHashAlgPrevious KDFType `yaml:"-"`
	MigrationStartedAt      int64   `yaml:"-"`
	MigrationFlags          uint8   `yaml:"-"`
}

// MigrationActive reports whether an identity hash migration is in
// progress.
func (p *SecurityPolicy) MigrationActive() bool {
	return p.MigrationFlags&MigrationFlagActive != 0
}

// DefaultPolicy mirrors the defaults a fresh vault is created with.
func DefaultPolicy() SecurityPolicy {
	return SecurityPolicy{
		MinPasswordLength:    12,
		KDF:                  DefaultKDF(),
		PasswordHistoryDepth: 5,
		RequireHardware:      false,
		IdentityHashAlg:      0,
		FECRedundancy:        20,
	}
}

// PasswordHistoryEntry records a retired password as a salted digest so
// reuse can be rejected without retaining the cleartext.
type PasswordHistoryEntry struct {
	ChangedAt int64
	Salt      [SaltSize]byte
	Digest    [KeySize]byte
}

// KeySlot is the per user entry in the v2 slot table. Every active slot
// wraps the same DEK, each under a KEK derived from that user's
// password (and hardware response where enrolled).
type KeySlot struct {
	// Identity is the plaintext username. Empty when the policy hashes
	// identities, in which case IdentityDigest is authoritative.
	Identity string

	// IdentityDigest is the salted identity hash when
	// SecurityPolicy.IdentityHashAlg is set.
	IdentityDigest []byte

	Role UserRole
	Salt [SaltSize]byte
	KDF  KDFInfo

	WrappedDEK [WrappedKeySize]byte

	MustChangePassword bool

	HardwareEnrolled bool
	CredentialID     []byte

	History           []PasswordHistoryEntry
	PasswordChangedAt int64
	LastLoginAt       int64
}

// KeySlotSummary is the non sensitive view of a slot handed to callers
// of ListUsers.
type KeySlotSummary struct {
	Identity           string
	Role               UserRole
	MustChangePassword bool
	HardwareEnrolled   bool
	PasswordChangedAt  int64
	LastLoginAt        int64
}

// Summary strips key material and history from a slot.
func (s *KeySlot) Summary() KeySlotSummary {
	return KeySlotSummary{
		Identity:           s.Identity,
		Role:               s.Role,
		MustChangePassword: s.MustChangePassword,
		HardwareEnrolled:   s.HardwareEnrolled,
		PasswordChangedAt:  s.PasswordChangedAt,
		LastLoginAt:        s.LastLoginAt,
	}
}

// Session is the ephemeral authenticated context for the current user.
// It exists only while the vault is open and is discarded on logout,
// lock or close.
type Session struct {
	Identity string
	Role     UserRole

	// PasswordChangeRequired forces the session into the password
	// change state: no other vault operation is permitted until the
	// user sets a fresh password.
	PasswordChangeRequired bool

	// RequiresHardwareEnrollment is set when the policy mandates a
	// hardware factor the slot does not yet carry.
	RequiresHardwareEnrollment bool
}

// IsAdmin is a convenience for role checks at call sites.
func (s *Session) IsAdmin() bool {
	return s != nil && s.Role == RoleAdministrator
}
