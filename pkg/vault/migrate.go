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
package vault

import (
	"crypto/subtle"
	"fmt"

	"github.com/notapipeline/tower/pkg/crypto"
	"github.com/notapipeline/tower/pkg/format"
	"github.com/notapipeline/tower/pkg/types"
)

// MigrateV1ToV2 converts an open legacy vault to the multi user
// format: a backup snapshot is taken, a fresh DEK is generated, the
// payload is re-encrypted, and an administrator slot wrapping the new
// DEK is created for adminIdentity. The conversion is irreversible;
// the snapshot is the only way back.
func (m *Manager) MigrateV1ToV2(adminIdentity string, adminPassword []byte, policy types.SecurityPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireOpen(); err != nil {
		return err
	}
	if m.version != format.VersionLegacy {
		return fmt.Errorf("%w: vault is already multi user", types.ErrFormat)
	}
	if err := validateIdentity(adminIdentity); err != nil {
		return err
	}

	buf, err := m.legacySecret.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrCrypto, err)
	}
	match := subtle.ConstantTimeCompare(buf.Bytes(), adminPassword) == 1
	buf.Destroy()
	if !match {
		return types.ErrAuthenticationFailed
	}

	normalizePolicy(&policy)
	policy.KDF = m.provider.ResolveKDF(policy.KDF)
	if err := validatePassword(adminPassword, &policy); err != nil {
		return err
	}

	// Snapshot before the point of no return, even when rotation is
	// otherwise disabled.
	keep := m.backups
	if keep < 1 {
		keep = 1
	}
	if err := format.RotateBackups(m.path, keep); err != nil {
		return fmt.Errorf("%w: %v", types.ErrFileWrite, err)
	}

	dek, err := crypto.RandomKey()
	if err != nil {
		return err
	}
	salt, err := crypto.RandomSalt()
	if err != nil {
		return err
	}

	m.version = format.VersionMultiUser
	m.policy = policy
	m.masterSalt = salt
	m.iterations = 0
	m.setDEK(dek)
	m.legacySecret = nil

	slot, err := m.makeSlot(adminIdentity, adminPassword, types.RoleAdministrator, false, "")
	if err != nil {
		return err
	}
	m.slots = []types.KeySlot{slot}

	m.session = &types.Session{
		Identity: adminIdentity,
		Role:     types.RoleAdministrator,
		RequiresHardwareEnrollment: policy.RequireHardware &&
			m.hardwarePresent(),
	}
	m.modified = true

	if err := m.save(); err != nil {
		return err
	}
	m.log.Info().Str("path", m.path).Msg("vault migrated to multi user format")
	return nil
}
