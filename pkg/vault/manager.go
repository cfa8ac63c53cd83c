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

// Package vault implements the engine orchestration layer: the
// authentication state machine, sessions, user and record management,
// password policy and history, auto lock and persistence.
//
// A Manager serves one vault file for one caller at a time. All
// mutation is in memory until Save; Save writes atomically and rotates
// backups. The DEK and, for legacy vaults, the verified master
// password are held in memguard enclaves while the vault is open.
package vault

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"github.com/notapipeline/tower/pkg/crypto"
	"github.com/notapipeline/tower/pkg/fec"
	"github.com/notapipeline/tower/pkg/format"
	"github.com/notapipeline/tower/pkg/hardware"
	"github.com/notapipeline/tower/pkg/types"
)

// now is referenced as a variable to enable it to be mocked in tests
// covering timestamps and history ordering.
var now func() time.Time = time.Now

// State is the position of the manager in the authentication flow.
type State int

const (
	StateClosed State = iota
	StateAwaitingCredential
	StateAwaitingHardwareResponse
	StateForcedPasswordChange
	StateForcedHardwareEnrollment
	StateAuthenticated
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateAwaitingCredential:
		return "awaiting-credential"
	case StateAwaitingHardwareResponse:
		return "awaiting-hardware-response"
	case StateForcedPasswordChange:
		return "forced-password-change"
	case StateForcedHardwareEnrollment:
		return "forced-hardware-enrollment"
	case StateAuthenticated:
		return "authenticated"
	case StateLocked:
		return "locked"
	}
	return "unknown"
}

// Manager drives a single vault file. Create with New, then CreateVault
// or OpenVault. Not safe for concurrent use by multiple goroutines
// beyond the auto lock timer it manages itself.
type Manager struct {
	provider *crypto.Provider
	log      zerolog.Logger
	auth     hardware.Authenticator
	devices  *hardware.Cache
	backups  int
	idle     time.Duration

	mu sync.Mutex

	state      State
	path       string
	version    uint32
	policy     types.SecurityPolicy
	masterSalt [types.SaltSize]byte
	iterations uint32

	slots   []types.KeySlot
	payload types.Payload

	dek          *memguard.Enclave
	legacySecret *memguard.Enclave

	session  *types.Session
	modified bool
	repaired int

	lock *autoLock
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithAuthenticator injects the hardware capability. Absent this
// option the manager runs with the Nop authenticator and every
// hardware path reports the capability as missing.
func WithAuthenticator(auth hardware.Authenticator) Option {
	return func(m *Manager) {
		m.auth = auth
	}
}

// WithBackups sets how many rotated backup copies Save keeps.
func WithBackups(keep int) Option {
	return func(m *Manager) {
		m.backups = keep
	}
}

// WithAutoLock arms an idle timer: after d without an Activity signal
// an authenticated vault persists pending changes and locks. Zero
// disables auto lock.
func WithAutoLock(d time.Duration) Option {
	return func(m *Manager) {
		m.idle = d
	}
}

// New builds a Manager around the process crypto provider.
func New(provider *crypto.Provider, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		log:      provider.Logger(),
		auth:     hardware.Nop{},
		backups:  3,
		state:    StateClosed,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.devices = hardware.NewCache(m.auth, 0)
	if m.idle > 0 {
		m.lock = newAutoLock(m.idle, m.lockOnIdle)
	}
	return m
}

// CreateVault initialises a fresh multi user vault at path with a
// single administrator slot and persists it. The manager is left open
// and authenticated as that administrator.
func (m *Manager) CreateVault(path, identity string, password []byte, policy types.SecurityPolicy, pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateClosed {
		return fmt.Errorf("%w: a vault is already open", types.ErrVaultNotOpen)
	}
	if err := validateIdentity(identity); err != nil {
		return err
	}

	normalizePolicy(&policy)
	policy.KDF = m.provider.ResolveKDF(policy.KDF)

	if err := validatePassword(password, &policy); err != nil {
		return err
	}

	dek, err := crypto.RandomKey()
	if err != nil {
		return err
	}
	salt, err := crypto.RandomSalt()
	if err != nil {
		return err
	}

	m.path = path
	m.version = format.VersionMultiUser
	m.policy = policy
	m.masterSalt = salt
	m.payload = types.Payload{}
	m.setDEK(dek)

	enroll := policy.RequireHardware && m.hardwarePresent()
	slot, err := m.makeSlot(identity, password, types.RoleAdministrator, enroll, pin)
	if err != nil {
		m.scrub()
		return err
	}
	m.slots = []types.KeySlot{slot}

	m.state = StateAuthenticated
	m.session = &types.Session{
		Identity:                   identity,
		Role:                       types.RoleAdministrator,
		RequiresHardwareEnrollment: policy.RequireHardware && !enroll,
	}
	m.modified = true

	if err := m.save(); err != nil {
		m.scrub()
		return err
	}
	m.armLock()
	m.log.Info().Str("path", path).Msg("vault created")
	return nil
}

// OpenVault loads and authenticates against the vault at path. For
// multi user vaults an unknown identity and a wrong password are
// indistinguishable in the returned error. The pin is only consulted
// when the matched slot carries a hardware enrollment.
func (m *Manager) OpenVault(path, identity string, password []byte, pin string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateClosed {
		return nil, fmt.Errorf("%w: a vault is already open", types.ErrVaultNotOpen)
	}

	data, err := format.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrFileWrite, err)
	}
	file, err := format.Parse(data)
	if err != nil {
		return nil, err
	}
	if file.RepairedShards > 0 {
		m.log.Warn().Int("shards", file.RepairedShards).
			Msg("payload corruption repaired from parity")
	}

	m.state = StateAwaitingCredential
	m.path = path
	m.version = file.Version
	m.repaired = file.RepairedShards

	if file.Version == format.VersionLegacy {
		session, err := m.openLegacy(file, identity, password)
		if err != nil {
			m.scrub()
			return nil, err
		}
		m.armLock()
		return session, nil
	}

	session, err := m.openMultiUser(file, identity, password, pin)
	if err != nil {
		m.scrub()
		return nil, err
	}
	m.armLock()
	return session, nil
}

func (m *Manager) openLegacy(file *format.File, identity string, password []byte) (*types.Session, error) {
	key, err := crypto.DeriveKEK(password, file.MasterSalt[:],
		types.KDFInfo{Type: types.KDFTypePBKDF2, Iterations: file.Iterations})
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.Decrypt(file.Ciphertext, key[:], file.PayloadIV[:])
	if err != nil {
		return nil, types.ErrAuthenticationFailed
	}
	if err := json.Unmarshal(plaintext, &m.payload); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrFormat, err)
	}
	crypto.Zero(plaintext)

	m.policy = types.DefaultPolicy()
	m.masterSalt = file.MasterSalt
	m.iterations = file.Iterations
	m.setDEK(key)
	m.legacySecret = memguard.NewEnclave(append([]byte(nil), password...))

	m.state = StateAuthenticated
	m.session = &types.Session{Identity: identity, Role: types.RoleAdministrator}
	m.log.Info().Str("path", m.path).Msg("legacy vault opened")
	return m.sessionCopy(), nil
}

func (m *Manager) openMultiUser(file *format.File, identity string, password []byte, pin string) (*types.Session, error) {
	m.policy = file.Policy
	m.masterSalt = file.MasterSalt
	m.slots = file.Slots

	slot := m.findSlot(identity)
	if slot == nil {
		return nil, types.ErrAuthenticationFailed
	}

	kek, err := crypto.DeriveKEK(password, slot.Salt[:], slot.KDF)
	if err != nil {
		return nil, err
	}
	if slot.HardwareEnrolled {
		m.state = StateAwaitingHardwareResponse
		if kek, err = m.combineKEK(kek, slot, pin); err != nil {
			return nil, err
		}
	}

	dek, err := crypto.UnwrapKey(kek, slot.WrappedDEK)
	crypto.Zero(kek[:])
	if err != nil {
		return nil, types.ErrAuthenticationFailed
	}

	plaintext, err := crypto.Decrypt(file.Ciphertext, dek[:], file.PayloadIV[:])
	if err != nil {
		return nil, fmt.Errorf("%w: payload does not match slot key", types.ErrFormat)
	}
	if err := json.Unmarshal(plaintext, &m.payload); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrFormat, err)
	}
	crypto.Zero(plaintext)
	m.setDEK(dek)

	slot.LastLoginAt = now().Unix()
	m.rebaseSlot(slot, identity)
	m.modified = true

	session := &types.Session{
		Identity:               identity,
		Role:                   slot.Role,
		PasswordChangeRequired: slot.MustChangePassword,
		RequiresHardwareEnrollment: m.policy.RequireHardware &&
			!slot.HardwareEnrolled && m.hardwarePresent(),
	}
	m.session = session

	switch {
	case session.PasswordChangeRequired:
		m.state = StateForcedPasswordChange
	case session.RequiresHardwareEnrollment:
		m.state = StateForcedHardwareEnrollment
	default:
		m.state = StateAuthenticated
	}

	m.log.Info().
		Str("path", m.path).
		Str("state", m.state.String()).
		Msg("vault opened")
	return m.sessionCopy(), nil
}

// Save persists the vault: serialize, rotate backups, atomic write.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return types.ErrVaultNotOpen
	}
	return m.save()
}

func (m *Manager) save() error {
	dek, err := m.dekKey()
	if err != nil {
		return err
	}
	defer crypto.Zero(dek[:])

	plaintext, err := json.Marshal(&m.payload)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrFileWrite, err)
	}
	defer crypto.Zero(plaintext)

	iv, err := crypto.RandomIV()
	if err != nil {
		return err
	}
	ciphertext, err := crypto.Encrypt(plaintext, dek[:], iv[:])
	if err != nil {
		return err
	}

	file := &format.File{
		Version:    m.version,
		Policy:     m.policy,
		MasterSalt: m.masterSalt,
		PayloadIV:  iv,
		Slots:      m.slots,
		Iterations: m.iterations,
		Ciphertext: ciphertext,
	}
	data, err := format.Serialize(file)
	if err != nil {
		return err
	}

	if err := format.RotateBackups(m.path, m.backups); err != nil {
		m.log.Warn().Err(err).Msg("backup rotation failed")
	}
	if err := format.WriteFile(m.path, data); err != nil {
		return fmt.Errorf("%w: %v", types.ErrFileWrite, err)
	}
	m.modified = false
	m.log.Debug().Str("path", m.path).Msg("vault saved")
	return nil
}

// Close discards the open vault and scrubs key material. Unsaved
// changes are dropped; callers own the decision to Save first.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return nil
	}
	if m.modified {
		m.log.Warn().Msg("closing with unsaved changes")
	}
	m.scrub()
	return nil
}

// Lock persists pending changes and locks the vault. Only Unlock,
// CurrentSession and Close are permitted while locked.
func (m *Manager) Lock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockNow()
}

func (m *Manager) lockNow() error {
	if m.state != StateAuthenticated {
		return types.ErrVaultNotOpen
	}
	if m.modified {
		if err := m.save(); err != nil {
			return err
		}
	}
	m.state = StateLocked
	m.disarmLock()
	m.log.Info().Msg("vault locked")
	return nil
}

// lockOnIdle is the auto lock timer callback.
func (m *Manager) lockOnIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated {
		return
	}
	if err := m.lockNow(); err != nil {
		m.log.Error().Err(err).Msg("auto lock failed")
	}
}

// Unlock re-authenticates the locked session. Multi user vaults
// re-unwrap the slot from scratch; legacy vaults compare against the
// password that was verified at open, in constant time, because the
// legacy format has no wrapped verifier to retry against.
func (m *Manager) Unlock(password []byte, pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateLocked {
		return types.ErrVaultNotOpen
	}

	if m.version == format.VersionLegacy {
		buf, err := m.legacySecret.Open()
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrCrypto, err)
		}
		match := subtle.ConstantTimeCompare(buf.Bytes(), password) == 1
		buf.Destroy()
		if !match {
			return types.ErrAuthenticationFailed
		}
	} else {
		slot := m.findSlot(m.session.Identity)
		if slot == nil {
			return types.ErrAuthenticationFailed
		}
		kek, err := crypto.DeriveKEK(password, slot.Salt[:], slot.KDF)
		if err != nil {
			return err
		}
		if slot.HardwareEnrolled {
			if kek, err = m.combineKEK(kek, slot, pin); err != nil {
				return err
			}
		}
		_, err = crypto.UnwrapKey(kek, slot.WrappedDEK)
		crypto.Zero(kek[:])
		if err != nil {
			return types.ErrAuthenticationFailed
		}
	}

	m.state = StateAuthenticated
	m.armLock()
	m.log.Info().Msg("vault unlocked")
	return nil
}

// Activity signals user activity, rescheduling the auto lock timer.
func (m *Manager) Activity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAuthenticated {
		m.armLock()
	}
}

// CurrentSession returns a copy of the active session, or nil when no
// vault is open.
func (m *Manager) CurrentSession() *types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionCopy()
}

// State reports the manager's position in the authentication flow.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RepairedShards reports how many payload shards parity repaired
// during the last open. Zero means the file was clean.
func (m *Manager) RepairedShards() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repaired
}

// HardwarePresent reports whether the injected authenticator has at
// least one attached device.
func (m *Manager) HardwarePresent() bool {
	return m.hardwarePresent()
}

func (m *Manager) hardwarePresent() bool {
	return m.devices.Present()
}

func (m *Manager) sessionCopy() *types.Session {
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// requireOpen accepts the states in which general vault operations are
// permitted. ForcedPasswordChange and ForcedHardwareEnrollment admit
// only their one unblocking operation, enforced at those call sites.
func (m *Manager) requireOpen() error {
	switch m.state {
	case StateAuthenticated:
		return nil
	case StateForcedPasswordChange:
		return fmt.Errorf("%w: password change required", types.ErrAuthenticationFailed)
	case StateForcedHardwareEnrollment:
		return fmt.Errorf("%w: hardware enrollment required", types.ErrAuthenticationFailed)
	case StateLocked:
		return fmt.Errorf("%w: vault is locked", types.ErrVaultNotOpen)
	default:
		return types.ErrVaultNotOpen
	}
}

// findSlot locates the slot for an identity, honouring the identity
// hashing policy when set. During an identity hash migration slots
// written under the previous scheme still resolve; they are rebased to
// the current scheme when their owner authenticates.
func (m *Manager) findSlot(identity string) *types.KeySlot {
	if m.policy.IdentityHashAlg != 0 {
		digest, err := crypto.IdentityDigest(m.policy.IdentityHashAlg, m.masterSalt[:], identity)
		if err != nil {
			return nil
		}
		for i := range m.slots {
			if bytes.Equal(m.slots[i].IdentityDigest, digest) {
				return &m.slots[i]
			}
		}
		if m.policy.MigrationActive() {
			return m.findSlotPrevious(identity)
		}
		return nil
	}
	for i := range m.slots {
		if m.slots[i].Identity == identity {
			return &m.slots[i]
		}
	}
	return nil
}

// findSlotPrevious resolves an identity under the pre-migration
// scheme: the previous hash algorithm, or plaintext identities when
// the vault is migrating from unhashed slots.
func (m *Manager) findSlotPrevious(identity string) *types.KeySlot {
	if prev := m.policy.IdentityHashAlgPrevious; prev != 0 {
		digest, err := crypto.IdentityDigest(prev, m.masterSalt[:], identity)
		if err != nil {
			return nil
		}
		for i := range m.slots {
			if bytes.Equal(m.slots[i].IdentityDigest, digest) {
				return &m.slots[i]
			}
		}
		return nil
	}
	for i := range m.slots {
		if m.slots[i].Identity == identity {
			return &m.slots[i]
		}
	}
	return nil
}

// rebaseSlot moves an authenticated slot onto the current identity
// scheme during a migration. A no-op for slots already current.
func (m *Manager) rebaseSlot(slot *types.KeySlot, identity string) {
	if m.policy.IdentityHashAlg == 0 || !m.policy.MigrationActive() {
		return
	}
	digest, err := crypto.IdentityDigest(m.policy.IdentityHashAlg, m.masterSalt[:], identity)
	if err != nil || bytes.Equal(slot.IdentityDigest, digest) {
		return
	}
	slot.IdentityDigest = digest
	slot.Identity = ""
	m.modified = true
	m.log.Info().Msg("slot rebased to current identity scheme")
}

// makeSlot builds a key slot wrapping the current DEK for an identity
// and password, optionally binding a fresh hardware enrollment.
func (m *Manager) makeSlot(identity string, password []byte, role types.UserRole, enroll bool, pin string) (types.KeySlot, error) {
	var slot types.KeySlot

	salt, err := crypto.RandomSalt()
	if err != nil {
		return slot, err
	}
	kdf := m.provider.ResolveKDF(m.policy.KDF)

	kek, err := crypto.DeriveKEK(password, salt[:], kdf)
	if err != nil {
		return slot, err
	}
	defer crypto.Zero(kek[:])

	slot = types.KeySlot{
		Role:              role,
		Salt:              salt,
		KDF:               kdf,
		PasswordChangedAt: now().Unix(),
	}
	if m.policy.IdentityHashAlg != 0 {
		if slot.IdentityDigest, err = crypto.IdentityDigest(
			m.policy.IdentityHashAlg, m.masterSalt[:], identity); err != nil {
			return slot, err
		}
	} else {
		slot.Identity = identity
	}

	if enroll {
		cred, err := m.auth.Enroll(m.relyingParty(), pin)
		if err != nil {
			return slot, err
		}
		slot.HardwareEnrolled = true
		slot.CredentialID = cred
		m.devices.Invalidate()
		if kek, err = m.combineKEK(kek, &slot, pin); err != nil {
			return slot, err
		}
	}

	dek, err := m.dekKey()
	if err != nil {
		return slot, err
	}
	defer crypto.Zero(dek[:])

	if slot.WrappedDEK, err = crypto.WrapKey(kek, dek); err != nil {
		return slot, err
	}
	return slot, nil
}

// combineKEK folds the hardware challenge response for a slot into the
// KEK. Legacy 160 bit devices take the fixed combination path; any
// other length goes through the normalizing path.
func (m *Manager) combineKEK(kek [types.KeySize]byte, slot *types.KeySlot, pin string) ([types.KeySize]byte, error) {
	response, err := m.auth.Challenge(hardware.CredentialID(slot.CredentialID), slot.Salt[:], pin)
	if err != nil {
		return kek, err
	}
	defer crypto.Zero(response)

	if err := hardware.ValidateResponse(response, m.provider.ComplianceMode()); err != nil {
		return kek, err
	}
	if len(response) == types.LegacyResponseSize {
		var fixed [types.LegacyResponseSize]byte
		copy(fixed[:], response)
		return crypto.CombineLegacy(kek, fixed), nil
	}
	return crypto.CombineSecret(kek, response)
}

// relyingParty is the per vault identity hardware credentials bind to.
func (m *Manager) relyingParty() string {
	return "tower:" + filepath.Base(m.path)
}

func (m *Manager) setDEK(key [types.KeySize]byte) {
	m.dek = memguard.NewEnclave(append([]byte(nil), key[:]...))
	crypto.Zero(key[:])
}

func (m *Manager) dekKey() ([types.KeySize]byte, error) {
	var key [types.KeySize]byte
	if m.dek == nil {
		return key, types.ErrVaultNotOpen
	}
	buf, err := m.dek.Open()
	if err != nil {
		return key, fmt.Errorf("%w: %v", types.ErrCrypto, err)
	}
	copy(key[:], buf.Bytes())
	buf.Destroy()
	return key, nil
}

// scrub drops every piece of open vault state. Callers hold m.mu.
func (m *Manager) scrub() {
	m.disarmLock()
	m.state = StateClosed
	m.version = 0
	m.iterations = 0
	m.policy = types.SecurityPolicy{}
	m.masterSalt = [types.SaltSize]byte{}
	m.slots = nil
	m.payload = types.Payload{}
	m.dek = nil
	m.legacySecret = nil
	m.session = nil
	m.modified = false
	m.repaired = 0
}

func (m *Manager) armLock() {
	if m.lock != nil {
		m.lock.arm()
	}
}

func (m *Manager) disarmLock() {
	if m.lock != nil {
		m.lock.disarm()
	}
}

func validateIdentity(identity string) error {
	if identity == "" || len(identity) > 128 {
		return types.ErrInvalidUsername
	}
	if strings.TrimSpace(identity) != identity {
		return types.ErrInvalidUsername
	}
	for _, r := range identity {
		if unicode.IsControl(r) {
			return types.ErrInvalidUsername
		}
	}
	return nil
}

func normalizePolicy(policy *types.SecurityPolicy) {
	defaults := types.DefaultPolicy()
	if policy.MinPasswordLength == 0 {
		policy.MinPasswordLength = defaults.MinPasswordLength
	}
	if policy.KDF.Type == 0 {
		policy.KDF = defaults.KDF
	}
	// Clamp the parity redundancy into the encoder's accepted range so
	// an out of range value fails here, at creation, not on first save.
	if policy.FECRedundancy > 0 && policy.FECRedundancy < fec.MinRedundancy {
		policy.FECRedundancy = fec.MinRedundancy
	}
	if policy.FECRedundancy > fec.MaxRedundancy {
		policy.FECRedundancy = fec.MaxRedundancy
	}
}
