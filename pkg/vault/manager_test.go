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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notapipeline/tower/pkg/crypto"
	"github.com/notapipeline/tower/pkg/fec"
	"github.com/notapipeline/tower/pkg/format"
	"github.com/notapipeline/tower/pkg/types"
)

const adminPassword = "Tr4vers3-Blue-Moth"

// testPolicy keeps derivation at the enforced floor so tests stay
// fast, and disables parity except where a test needs it.
func testPolicy() types.SecurityPolicy {
	policy := types.DefaultPolicy()
	policy.KDF = types.KDFInfo{Type: types.KDFTypePBKDF2, Iterations: types.MinPBKDF2Iterations}
	policy.FECRedundancy = 0
	return policy
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, string) {
	t.Helper()
	m := New(crypto.NewProvider(), opts...)
	t.Cleanup(func() { m.Close() })
	return m, filepath.Join(t.TempDir(), "test.vault")
}

func TestCreateAndReopen(t *testing.T) {
	m, path := newTestManager(t)

	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))
	assert.Equal(t, StateAuthenticated, m.State())

	id, err := m.AddRecord(types.AccountRecord{Name: "example", Username: "alice", Password: "hunter2hunter2"})
	require.NoError(t, err)
	require.NoError(t, m.Save())
	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())

	session, err := m.OpenVault(path, "alice", []byte(adminPassword), "")
	require.NoError(t, err)
	assert.Equal(t, "alice", session.Identity)
	assert.True(t, session.IsAdmin())
	assert.False(t, session.PasswordChangeRequired)

	record, err := m.GetRecord(id)
	require.NoError(t, err)
	assert.Equal(t, "example", record.Name)
}

func TestOpenDoesNotEnumerateIdentities(t *testing.T) {
	m, path := newTestManager(t)
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))
	require.NoError(t, m.Save())
	require.NoError(t, m.Close())

	_, wrongPassword := m.OpenVault(path, "alice", []byte("Wrong-Password-99"), "")
	require.NoError(t, m.Close())
	_, unknownUser := m.OpenVault(path, "mallory", []byte(adminPassword), "")

	require.ErrorIs(t, wrongPassword, types.ErrAuthenticationFailed)
	require.ErrorIs(t, unknownUser, types.ErrAuthenticationFailed)
	assert.Equal(t, wrongPassword.Error(), unknownUser.Error())
}

func TestLockAndUnlock(t *testing.T) {
	m, path := newTestManager(t)
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))

	require.NoError(t, m.Lock())
	assert.Equal(t, StateLocked, m.State())

	_, err := m.ListRecords()
	assert.ErrorIs(t, err, types.ErrVaultNotOpen)

	assert.ErrorIs(t, m.Unlock([]byte("Wrong-Password-99"), ""), types.ErrAuthenticationFailed)
	assert.Equal(t, StateLocked, m.State())

	require.NoError(t, m.Unlock([]byte(adminPassword), ""))
	assert.Equal(t, StateAuthenticated, m.State())

	_, err = m.ListRecords()
	assert.NoError(t, err)
}

func TestLockPersistsPendingChanges(t *testing.T) {
	m, path := newTestManager(t)
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))

	_, err := m.AddRecord(types.AccountRecord{Name: "pending"})
	require.NoError(t, err)
	require.NoError(t, m.Lock())
	require.NoError(t, m.Close())

	_, err = m.OpenVault(path, "alice", []byte(adminPassword), "")
	require.NoError(t, err)
	records, err := m.ListRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "pending", records[0].Name)
}

func TestAutoLockFiresOnce(t *testing.T) {
	m, path := newTestManager(t, WithAutoLock(50*time.Millisecond))
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))

	_, err := m.AddRecord(types.AccountRecord{Name: "example"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.State() == StateLocked
	}, 2*time.Second, 10*time.Millisecond)

	// Timer is disarmed until unlock: the state must stay Locked.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, StateLocked, m.State())

	require.NoError(t, m.Unlock([]byte(adminPassword), ""))
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestOpenRepairsSingleByteCorruption(t *testing.T) {
	m, path := newTestManager(t)
	policy := testPolicy()
	policy.FECRedundancy = 20

	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), policy, ""))
	_, err := m.AddRecord(types.AccountRecord{Name: "example", Password: "hunter2hunter2"})
	require.NoError(t, err)
	require.NoError(t, m.Save())
	require.NoError(t, m.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-5] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	session, err := m.OpenVault(path, "alice", []byte(adminPassword), "")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Greater(t, m.RepairedShards(), 0)

	records, err := m.ListRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "example", records[0].Name)
}

func TestOpenFailsBeyondParityCapacity(t *testing.T) {
	m, path := newTestManager(t)
	policy := testPolicy()
	policy.FECRedundancy = 10

	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), policy, ""))
	require.NoError(t, m.Save())
	require.NoError(t, m.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for i := len(data) - 150; i < len(data); i++ {
		data[i] ^= 0xff
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = m.OpenVault(path, "alice", []byte(adminPassword), "")
	require.ErrorIs(t, err, types.ErrFormat)
}

func TestSaveRotatesBackups(t *testing.T) {
	m, path := newTestManager(t, WithBackups(2))
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))

	for i := 0; i < 3; i++ {
		_, err := m.AddRecord(types.AccountRecord{Name: "example"})
		require.NoError(t, err)
		require.NoError(t, m.Save())
		// Backup names carry second resolution timestamps.
		time.Sleep(1100 * time.Millisecond)
	}

	matches, err := filepath.Glob(path + ".bak-*")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(matches), 2)
}

func TestOperationsRequireOpenVault(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.ListRecords()
	assert.ErrorIs(t, err, types.ErrVaultNotOpen)
	_, err = m.ListUsers()
	assert.ErrorIs(t, err, types.ErrVaultNotOpen)
	assert.ErrorIs(t, m.Save(), types.ErrVaultNotOpen)
	assert.Nil(t, m.CurrentSession())
}

func TestCreateRejectsBadInputs(t *testing.T) {
	m, path := newTestManager(t)

	err := m.CreateVault(path, "", []byte(adminPassword), testPolicy(), "")
	assert.ErrorIs(t, err, types.ErrInvalidUsername)

	err = m.CreateVault(path, "alice\n", []byte(adminPassword), testPolicy(), "")
	assert.ErrorIs(t, err, types.ErrInvalidUsername)

	err = m.CreateVault(path, "alice", []byte("short"), testPolicy(), "")
	assert.ErrorIs(t, err, types.ErrWeakPassword)

	err = m.CreateVault(path, "alice", nil, testPolicy(), "")
	assert.ErrorIs(t, err, types.ErrInvalidPassword)
}

// TestHashedIdentityLifecycle runs the user lifecycle on a vault whose
// policy hashes identities: slots carry digests instead of names, so
// lookup, removal guards and summaries must all work without any
// plaintext identity on disk.
func TestHashedIdentityLifecycle(t *testing.T) {
	m, path := newTestManager(t)
	policy := testPolicy()
	policy.IdentityHashAlg = types.HashSHA3x256

	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), policy, ""))
	require.NoError(t, m.Close())

	session, err := m.OpenVault(path, "alice", []byte(adminPassword), "")
	require.NoError(t, err)
	assert.True(t, session.IsAdmin())

	temp, err := m.AddUser("bob", "", types.RoleStandardUser)
	require.NoError(t, err)
	require.NotEmpty(t, temp)

	// No summary leaks a plaintext name.
	users, err := m.ListUsers()
	require.NoError(t, err)
	require.Len(t, users, 2)
	for _, user := range users {
		assert.Empty(t, user.Identity)
	}

	// The self-removal guard holds on digest comparison alone.
	assert.ErrorIs(t, m.RemoveUser("alice"), types.ErrInvalidUsername)

	require.NoError(t, m.Save())
	require.NoError(t, m.Close())

	session, err = m.OpenVault(path, "bob", []byte(temp), "")
	require.NoError(t, err)
	assert.True(t, session.PasswordChangeRequired)
	require.NoError(t, m.Close())

	_, err = m.OpenVault(path, "mallory", []byte(adminPassword), "")
	require.ErrorIs(t, err, types.ErrAuthenticationFailed)

	_, err = m.OpenVault(path, "alice", []byte(adminPassword), "")
	require.NoError(t, err)
	require.NoError(t, m.RemoveUser("bob"))
	users, err = m.ListUsers()
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

// TestIdentityHashMigrationResolvesOldSlots opens the migration window
// on a plaintext-identity vault: pre-migration slots must still
// authenticate, and doing so rebases them onto the hashed scheme.
func TestIdentityHashMigrationResolvesOldSlots(t *testing.T) {
	m, path := newTestManager(t)
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))

	const bobPassword = "Velvet-Otter-3019"
	_, err := m.AddUser("bob", bobPassword, types.RoleStandardUser)
	require.NoError(t, err)
	bob := m.findSlot("bob")
	require.NotNil(t, bob)
	bob.MustChangePassword = false

	// Switch the policy to hashed identities with the migration window
	// open. Both slots still carry plaintext names at this point.
	m.policy.IdentityHashAlg = types.HashSHA3x256
	m.policy.IdentityHashAlgPrevious = 0
	m.policy.MigrationStartedAt = now().Unix()
	m.policy.MigrationFlags = types.MigrationFlagActive
	require.NoError(t, m.Save())
	require.NoError(t, m.Close())

	// The pre-migration slot resolves, and authenticating rebases it.
	_, err = m.OpenVault(path, "alice", []byte(adminPassword), "")
	require.NoError(t, err)
	alice := m.findSlot("alice")
	require.NotNil(t, alice)
	assert.Empty(t, alice.Identity)
	assert.NotEmpty(t, alice.IdentityDigest)
	require.NoError(t, m.Save())
	require.NoError(t, m.Close())

	// The rebased slot opens under the current scheme; bob's untouched
	// slot still resolves through the migration fallback.
	_, err = m.OpenVault(path, "alice", []byte(adminPassword), "")
	require.NoError(t, err)
	require.NoError(t, m.Close())
	_, err = m.OpenVault(path, "bob", []byte(bobPassword), "")
	require.NoError(t, err)
}

func TestCreateClampsParityRedundancy(t *testing.T) {
	for requested, written := range map[uint8]uint8{
		2:  fec.MinRedundancy,
		60: fec.MaxRedundancy,
	} {
		m, path := newTestManager(t)
		policy := testPolicy()
		policy.FECRedundancy = requested

		require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), policy, ""))
		require.NoError(t, m.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		file, err := format.Parse(data)
		require.NoError(t, err)
		assert.Equal(t, written, file.Policy.FECRedundancy, "requested %d", requested)

		_, err = m.OpenVault(path, "alice", []byte(adminPassword), "")
		require.NoError(t, err)
		require.NoError(t, m.Close())
	}
}
