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
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"
	zxcvbn "github.com/nbutton23/zxcvbn-go"

	"github.com/notapipeline/tower/pkg/crypto"
	"github.com/notapipeline/tower/pkg/format"
	"github.com/notapipeline/tower/pkg/types"
)

// minPasswordScore is the zxcvbn score floor (0-4). Two keeps out the
// trivially guessable tier without rejecting every human memorable
// passphrase.
const minPasswordScore = 2

// commonPasswords is a small embedded denylist of the passwords that
// dominate breach corpora. zxcvbn catches most of these anyway; the
// list guarantees rejection regardless of scoring changes upstream.
var commonPasswords = map[string]struct{}{
	"password": {}, "password1": {}, "password123": {}, "passw0rd": {},
	"123456": {}, "1234567": {}, "12345678": {}, "123456789": {}, "1234567890": {},
	"qwerty": {}, "qwerty123": {}, "qwertyuiop": {}, "abc123": {}, "iloveyou": {},
	"admin": {}, "administrator": {}, "welcome": {}, "welcome1": {}, "letmein": {},
	"monkey": {}, "dragon": {}, "sunshine": {}, "princess": {}, "football": {},
	"baseball": {}, "master": {}, "shadow": {}, "superman": {}, "batman": {},
	"trustno1": {}, "696969": {}, "000000": {}, "111111": {}, "121212": {},
	"654321": {}, "secret": {}, "freedom": {}, "whatever": {}, "starwars": {},
}

// validatePassword applies the policy checks that need no per slot
// context: shape, length, denylist and guessability.
func validatePassword(password []byte, policy *types.SecurityPolicy) error {
	if len(password) == 0 {
		return types.ErrInvalidPassword
	}
	if len(password) < int(policy.MinPasswordLength) {
		return types.WeakPasswordError{
			Reason: fmt.Sprintf("minimum length is %d characters", policy.MinPasswordLength),
		}
	}
	if _, found := commonPasswords[strings.ToLower(string(password))]; found {
		return types.WeakPasswordError{Reason: "password is too common"}
	}
	if zxcvbn.PasswordStrength(string(password), nil).Score < minPasswordScore {
		return types.WeakPasswordError{Reason: "password is too easily guessed"}
	}
	return nil
}

// historyContains reports whether a candidate password matches any
// retired password recorded in the slot history.
func historyContains(history []types.PasswordHistoryEntry, password []byte) bool {
	for i := range history {
		digest := crypto.HistoryDigest(password, history[i].Salt[:])
		if subtle.ConstantTimeCompare(digest[:], history[i].Digest[:]) == 1 {
			return true
		}
	}
	return false
}

// pushHistory retires a password into the slot history, evicting the
// oldest entries beyond the policy depth. Depth zero keeps no history.
func pushHistory(slot *types.KeySlot, password []byte, depth uint32) error {
	if depth == 0 {
		slot.History = nil
		return nil
	}
	salt, err := crypto.RandomSalt()
	if err != nil {
		return err
	}
	entry := types.PasswordHistoryEntry{
		ChangedAt: now().Unix(),
		Salt:      salt,
		Digest:    crypto.HistoryDigest(password, salt[:]),
	}
	slot.History = append([]types.PasswordHistoryEntry{entry}, slot.History...)
	if len(slot.History) > int(depth) {
		slot.History = slot.History[:depth]
	}
	return nil
}

// ChangePassword replaces a user's password. Policy validation runs
// before any hardware interaction so a weak or reused password fails
// without demanding a device touch. On success the retired password
// joins the slot history, the DEK is re-wrapped under a freshly
// derived KEK and must_change_password is cleared.
func (m *Manager) ChangePassword(identity string, oldPassword, newPassword []byte, pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changePassword(context.Background(), identity, oldPassword, newPassword, pin, nil)
}

// changePassword is the shared sync/async implementation. Callers hold
// m.mu. Cancellation is honoured only between discrete steps; emit,
// when non nil, receives progress events ahead of long or interactive
// steps.
func (m *Manager) changePassword(ctx context.Context, identity string, oldPassword, newPassword []byte, pin string, emit func(Progress)) error {
	switch m.state {
	case StateAuthenticated:
	case StateForcedPasswordChange:
		if m.session == nil || m.session.Identity != identity {
			return fmt.Errorf("%w: password change required", types.ErrAuthenticationFailed)
		}
	default:
		return m.requireOpen()
	}

	progress(emit, "validate", "checking password against policy")
	if err := validatePassword(newPassword, &m.policy); err != nil {
		return err
	}
	if bytes.Equal(oldPassword, newPassword) {
		return types.ErrPasswordReused
	}

	if m.version == format.VersionLegacy {
		return m.changeLegacyPassword(oldPassword, newPassword, emit)
	}

	slot := m.findSlot(identity)
	if slot == nil {
		return types.ErrAuthenticationFailed
	}
	if historyContains(slot.History, newPassword) {
		return types.ErrPasswordReused
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Verify the old password by unwrapping the slot. With a hardware
	// enrollment this is the first of two device touches.
	progress(emit, "derive", "verifying current password")
	kek, err := crypto.DeriveKEK(oldPassword, slot.Salt[:], slot.KDF)
	if err != nil {
		return err
	}
	if slot.HardwareEnrolled {
		progress(emit, "hardware", "touch your authenticator")
		if kek, err = m.combineKEK(kek, slot, pin); err != nil {
			return err
		}
	}
	dek, err := crypto.UnwrapKey(kek, slot.WrappedDEK)
	crypto.Zero(kek[:])
	if err != nil {
		return types.ErrAuthenticationFailed
	}
	defer crypto.Zero(dek[:])

	if err := ctx.Err(); err != nil {
		return err
	}

	salt, err := crypto.RandomSalt()
	if err != nil {
		return err
	}
	kdf := m.provider.ResolveKDF(m.policy.KDF)

	progress(emit, "derive", "deriving replacement key")
	newKEK, err := crypto.DeriveKEK(newPassword, salt[:], kdf)
	if err != nil {
		return err
	}
	defer crypto.Zero(newKEK[:])

	// The challenge input is the slot salt, so a fresh salt means a
	// fresh response: second device touch.
	updated := *slot
	updated.Salt = salt
	updated.KDF = kdf
	if slot.HardwareEnrolled {
		progress(emit, "hardware", "touch your authenticator")
		if newKEK, err = m.combineKEK(newKEK, &updated, pin); err != nil {
			return err
		}
	}

	if updated.WrappedDEK, err = crypto.WrapKey(newKEK, dek); err != nil {
		return err
	}
	if err := pushHistory(&updated, oldPassword, m.policy.PasswordHistoryDepth); err != nil {
		return err
	}
	updated.MustChangePassword = false
	updated.PasswordChangedAt = now().Unix()
	*slot = updated

	m.modified = true
	m.finishPasswordChange(identity)
	m.log.Info().Msg("password changed")
	return nil
}

// changeLegacyPassword rewrites the single master secret of a version
// one vault. The DEK is the derived key itself, so the change takes
// effect in the file on the next save.
func (m *Manager) changeLegacyPassword(oldPassword, newPassword []byte, emit func(Progress)) error {
	buf, err := m.legacySecret.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrCrypto, err)
	}
	match := subtle.ConstantTimeCompare(buf.Bytes(), oldPassword) == 1
	buf.Destroy()
	if !match {
		return types.ErrAuthenticationFailed
	}

	salt, err := crypto.RandomSalt()
	if err != nil {
		return err
	}
	iterations := uint32(types.DefaultPBKDF2Iterations)

	progress(emit, "derive", "deriving replacement key")
	key, err := crypto.DeriveKEK(newPassword, salt[:],
		types.KDFInfo{Type: types.KDFTypePBKDF2, Iterations: iterations})
	if err != nil {
		return err
	}

	m.masterSalt = salt
	m.iterations = iterations
	m.setDEK(key)
	m.legacySecret = memguard.NewEnclave(append([]byte(nil), newPassword...))
	m.modified = true
	m.finishPasswordChange(m.session.Identity)
	m.log.Info().Msg("master password changed")
	return nil
}

// finishPasswordChange advances the state machine when the acting user
// changed their own password.
func (m *Manager) finishPasswordChange(identity string) {
	if m.session == nil || m.session.Identity != identity {
		return
	}
	m.session.PasswordChangeRequired = false
	if m.state == StateForcedPasswordChange {
		if m.session.RequiresHardwareEnrollment {
			m.state = StateForcedHardwareEnrollment
		} else {
			m.state = StateAuthenticated
		}
	}
}
