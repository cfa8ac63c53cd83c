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
	"github.com/notapipeline/tower/pkg/hardware"
	"github.com/notapipeline/tower/pkg/tools"
	"github.com/notapipeline/tower/pkg/types"
)

// requireAdmin guards the user management surface.
func (m *Manager) requireAdmin() error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	if !m.session.IsAdmin() {
		return fmt.Errorf("%w: administrator required", types.ErrAuthenticationFailed)
	}
	if m.version == format.VersionLegacy {
		return fmt.Errorf("%w: single user vault", types.ErrFormat)
	}
	return nil
}

// AddUser creates a key slot for a new identity. When tempPassword is
// empty a random temporary password is generated; either way the slot
// is created with must_change_password set and the password in use is
// returned so an administrator can hand it over.
func (m *Manager) AddUser(identity, tempPassword string, role types.UserRole) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireAdmin(); err != nil {
		return "", err
	}
	if err := validateIdentity(identity); err != nil {
		return "", err
	}
	if !role.Valid() {
		return "", fmt.Errorf("%w: unknown role", types.ErrInvalidUsername)
	}
	if m.findSlot(identity) != nil {
		return "", fmt.Errorf("%w: identity already exists", types.ErrInvalidUsername)
	}
	if len(m.slots) >= types.MaxKeySlots {
		return "", fmt.Errorf("%w: slot table is full", types.ErrFormat)
	}

	if tempPassword == "" {
		var err error
		if tempPassword, err = tools.GenerateTempPassword(int(m.policy.MinPasswordLength) + 4); err != nil {
			return "", fmt.Errorf("%w: %v", types.ErrCrypto, err)
		}
	} else if err := validatePassword([]byte(tempPassword), &m.policy); err != nil {
		return "", err
	}

	slot, err := m.makeSlot(identity, []byte(tempPassword), role, false, "")
	if err != nil {
		return "", err
	}
	slot.MustChangePassword = true
	m.slots = append(m.slots, slot)
	m.modified = true

	m.log.Info().Str("role", role.String()).Msg("user added")
	return tempPassword, nil
}

// RemoveUser deletes an identity's key slot. The sole remaining
// administrator and the acting user cannot be removed: the first would
// strand the vault, the second would strand the session.
func (m *Manager) RemoveUser(identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireAdmin(); err != nil {
		return err
	}
	slot := m.findSlot(identity)
	if slot == nil {
		return types.ErrUserNotFound
	}
	if m.isSessionSlot(slot, identity) {
		return fmt.Errorf("%w: cannot remove the active user", types.ErrInvalidUsername)
	}
	if slot.Role == types.RoleAdministrator && m.adminCount() <= 1 {
		return fmt.Errorf("%w: cannot remove the only administrator", types.ErrInvalidUsername)
	}

	for i := range m.slots {
		if &m.slots[i] == slot {
			m.slots = append(m.slots[:i], m.slots[i+1:]...)
			break
		}
	}
	m.modified = true
	m.log.Info().Msg("user removed")
	return nil
}

// AdminResetPassword rewraps a user's slot under a temporary password.
// The user's history is cleared along with any hardware enrollment:
// the administrator cannot answer the user's device challenge, so the
// factor has to be re-enrolled after the forced change.
func (m *Manager) AdminResetPassword(identity, tempPassword string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireAdmin(); err != nil {
		return "", err
	}
	slot := m.findSlot(identity)
	if slot == nil {
		return "", types.ErrUserNotFound
	}

	if tempPassword == "" {
		var err error
		if tempPassword, err = tools.GenerateTempPassword(int(m.policy.MinPasswordLength) + 4); err != nil {
			return "", fmt.Errorf("%w: %v", types.ErrCrypto, err)
		}
	} else if err := validatePassword([]byte(tempPassword), &m.policy); err != nil {
		return "", err
	}

	salt, err := crypto.RandomSalt()
	if err != nil {
		return "", err
	}
	kdf := m.provider.ResolveKDF(m.policy.KDF)
	kek, err := crypto.DeriveKEK([]byte(tempPassword), salt[:], kdf)
	if err != nil {
		return "", err
	}
	defer crypto.Zero(kek[:])

	dek, err := m.dekKey()
	if err != nil {
		return "", err
	}
	defer crypto.Zero(dek[:])

	wrapped, err := crypto.WrapKey(kek, dek)
	if err != nil {
		return "", err
	}

	slot.Salt = salt
	slot.KDF = kdf
	slot.WrappedDEK = wrapped
	slot.MustChangePassword = true
	slot.HardwareEnrolled = false
	slot.CredentialID = nil
	slot.History = nil
	slot.PasswordChangedAt = now().Unix()
	m.modified = true

	m.log.Info().Msg("password reset by administrator")
	return tempPassword, nil
}

// ListUsers returns the non sensitive summary of every key slot.
func (m *Manager) ListUsers() ([]types.KeySlotSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireOpen(); err != nil {
		return nil, err
	}
	summaries := make([]types.KeySlotSummary, 0, len(m.slots))
	for i := range m.slots {
		summaries = append(summaries, m.slots[i].Summary())
	}
	return summaries, nil
}

// EnrollHardware binds a hardware credential to the acting user's
// slot: enroll a credential, run the first challenge, and re-wrap the
// DEK under the combined KEK. The password proves slot ownership
// before the device is touched.
func (m *Manager) EnrollHardware(identity string, password []byte, pin string) (hardware.CredentialID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateAuthenticated, StateForcedHardwareEnrollment:
	default:
		return nil, m.requireOpen()
	}
	if m.version == format.VersionLegacy {
		return nil, fmt.Errorf("%w: single user vault", types.ErrFormat)
	}
	if m.session == nil || m.session.Identity != identity {
		return nil, fmt.Errorf("%w: can only enroll your own authenticator", types.ErrAuthenticationFailed)
	}
	if !m.hardwarePresent() {
		return nil, types.ErrHardwareNotPresent
	}

	slot := m.findSlot(identity)
	if slot == nil {
		return nil, types.ErrAuthenticationFailed
	}
	if slot.HardwareEnrolled {
		return nil, fmt.Errorf("%w: already enrolled", types.ErrHardware)
	}

	kek, err := crypto.DeriveKEK(password, slot.Salt[:], slot.KDF)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(kek[:])

	dek, err := crypto.UnwrapKey(kek, slot.WrappedDEK)
	if err != nil {
		return nil, types.ErrAuthenticationFailed
	}
	defer crypto.Zero(dek[:])

	cred, err := m.auth.Enroll(m.relyingParty(), pin)
	if err != nil {
		return nil, err
	}
	m.devices.Invalidate()

	updated := *slot
	updated.HardwareEnrolled = true
	updated.CredentialID = cred
	if kek, err = m.combineKEK(kek, &updated, pin); err != nil {
		return nil, err
	}

	if updated.WrappedDEK, err = crypto.WrapKey(kek, dek); err != nil {
		return nil, err
	}
	*slot = updated
	m.modified = true

	m.session.RequiresHardwareEnrollment = false
	if m.state == StateForcedHardwareEnrollment {
		m.state = StateAuthenticated
	}

	m.log.Info().Msg("hardware authenticator enrolled")
	return cred, nil
}

// UnenrollHardware removes the hardware factor from the acting user's
// slot, re-wrapping the DEK under the password only KEK. The device
// must answer one final challenge to unwrap the current slot; an
// administrator removing another user's lost device uses
// AdminResetPassword instead.
func (m *Manager) UnenrollHardware(identity string, password []byte, pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireOpen(); err != nil {
		return err
	}
	if m.session == nil || m.session.Identity != identity {
		return fmt.Errorf("%w: can only unenroll your own authenticator", types.ErrAuthenticationFailed)
	}

	slot := m.findSlot(identity)
	if slot == nil {
		return types.ErrAuthenticationFailed
	}
	if !slot.HardwareEnrolled {
		return fmt.Errorf("%w: not enrolled", types.ErrHardware)
	}
	if m.policy.RequireHardware {
		return fmt.Errorf("%w: policy requires a hardware factor", types.ErrHardware)
	}

	kek, err := crypto.DeriveKEK(password, slot.Salt[:], slot.KDF)
	if err != nil {
		return err
	}
	defer crypto.Zero(kek[:])

	combined, err := m.combineKEK(kek, slot, pin)
	if err != nil {
		return err
	}
	dek, err := crypto.UnwrapKey(combined, slot.WrappedDEK)
	crypto.Zero(combined[:])
	if err != nil {
		return types.ErrAuthenticationFailed
	}
	defer crypto.Zero(dek[:])

	wrapped, err := crypto.WrapKey(kek, dek)
	if err != nil {
		return err
	}
	slot.WrappedDEK = wrapped
	slot.HardwareEnrolled = false
	slot.CredentialID = nil
	m.modified = true

	m.log.Info().Msg("hardware authenticator unenrolled")
	return nil
}

// VerifyCredentials re-authenticates the current session's credential
// without changing session state. Used to gate sensitive read paths
// such as export.
func (m *Manager) VerifyCredentials(password []byte, pin string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.requireOpen() != nil {
		return false
	}

	if m.version == format.VersionLegacy {
		buf, err := m.legacySecret.Open()
		if err != nil {
			return false
		}
		defer buf.Destroy()
		return subtleCompare(buf.Bytes(), password)
	}

	slot := m.findSlot(m.session.Identity)
	if slot == nil {
		return false
	}
	kek, err := crypto.DeriveKEK(password, slot.Salt[:], slot.KDF)
	if err != nil {
		return false
	}
	defer crypto.Zero(kek[:])
	if slot.HardwareEnrolled {
		if kek, err = m.combineKEK(kek, slot, pin); err != nil {
			return false
		}
	}
	_, err = crypto.UnwrapKey(kek, slot.WrappedDEK)
	return err == nil
}

// isSessionSlot reports whether a slot belongs to the acting session.
// With hashed identities the slot carries no plaintext name, so the
// comparison goes through the session identity's digest via findSlot.
func (m *Manager) isSessionSlot(slot *types.KeySlot, identity string) bool {
	if m.session == nil {
		return false
	}
	if m.policy.IdentityHashAlg != 0 {
		return m.findSlot(m.session.Identity) == slot
	}
	return m.session.Identity == identity
}

func subtleCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func (m *Manager) adminCount() int {
	count := 0
	for i := range m.slots {
		if m.slots[i].Role == types.RoleAdministrator {
			count++
		}
	}
	return count
}
