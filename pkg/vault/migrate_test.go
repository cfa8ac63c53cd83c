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
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notapipeline/tower/pkg/crypto"
	"github.com/notapipeline/tower/pkg/format"
	"github.com/notapipeline/tower/pkg/types"
)

// writeLegacyVault produces a version one file the way the single
// master password format always has: the derived key is the DEK.
func writeLegacyVault(t *testing.T, path string, password []byte, payload types.Payload) {
	t.Helper()

	salt, err := crypto.RandomSalt()
	require.NoError(t, err)
	iv, err := crypto.RandomIV()
	require.NoError(t, err)

	kdf := types.KDFInfo{Type: types.KDFTypePBKDF2, Iterations: types.MinPBKDF2Iterations}
	key, err := crypto.DeriveKEK(password, salt[:], kdf)
	require.NoError(t, err)

	plaintext, err := json.Marshal(&payload)
	require.NoError(t, err)
	ciphertext, err := crypto.Encrypt(plaintext, key[:], iv[:])
	require.NoError(t, err)

	data, err := format.Serialize(&format.File{
		Version:    format.VersionLegacy,
		Iterations: types.MinPBKDF2Iterations,
		MasterSalt: salt,
		PayloadIV:  iv,
		Ciphertext: ciphertext,
	})
	require.NoError(t, err)
	require.NoError(t, format.WriteFile(path, data))
}

func TestOpenLegacyVault(t *testing.T) {
	m, path := newTestManager(t)
	password := []byte(adminPassword)
	writeLegacyVault(t, path, password, types.Payload{
		Records: []types.AccountRecord{{ID: "r1", Name: "example"}},
	})

	session, err := m.OpenVault(path, "admin", password, "")
	require.NoError(t, err)
	assert.True(t, session.IsAdmin())

	records, err := m.ListRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "example", records[0].Name)
}

func TestOpenLegacyVaultWrongPassword(t *testing.T) {
	m, path := newTestManager(t)
	writeLegacyVault(t, path, []byte(adminPassword), types.Payload{})

	_, err := m.OpenVault(path, "admin", []byte("Wrong-Password-99"), "")
	require.ErrorIs(t, err, types.ErrAuthenticationFailed)
}

// TestLegacyUnlockComparesCachedPassword covers the version one lock
// path: the DEK cannot be re-verified against a wrapped blob, so
// unlock compares the password verified at open.
func TestLegacyUnlockComparesCachedPassword(t *testing.T) {
	m, path := newTestManager(t)
	password := []byte(adminPassword)
	writeLegacyVault(t, path, password, types.Payload{})

	_, err := m.OpenVault(path, "admin", password, "")
	require.NoError(t, err)

	require.NoError(t, m.Lock())
	assert.ErrorIs(t, m.Unlock([]byte("Wrong-Password-99"), ""), types.ErrAuthenticationFailed)
	require.NoError(t, m.Unlock(password, ""))
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestLegacyPasswordChange(t *testing.T) {
	m, path := newTestManager(t)
	password := []byte(adminPassword)
	writeLegacyVault(t, path, password, types.Payload{
		Records: []types.AccountRecord{{ID: "r1", Name: "example"}},
	})

	_, err := m.OpenVault(path, "admin", password, "")
	require.NoError(t, err)

	const replacement = "Quiet-Lantern-88"
	require.NoError(t, m.ChangePassword("admin", password, []byte(replacement), ""))
	require.NoError(t, m.Save())
	require.NoError(t, m.Close())

	_, err = m.OpenVault(path, "admin", password, "")
	require.ErrorIs(t, err, types.ErrAuthenticationFailed)

	_, err = m.OpenVault(path, "admin", []byte(replacement), "")
	require.NoError(t, err)
}

func TestMigrateV1ToV2(t *testing.T) {
	m, path := newTestManager(t)
	password := []byte(adminPassword)
	writeLegacyVault(t, path, password, types.Payload{
		Records: []types.AccountRecord{{ID: "r1", Name: "example", Password: "hunter2hunter2"}},
	})

	_, err := m.OpenVault(path, "admin", password, "")
	require.NoError(t, err)

	require.NoError(t, m.MigrateV1ToV2("admin", password, testPolicy()))

	// A snapshot exists from before the point of no return.
	matches, err := filepath.Glob(path + ".bak-*")
	require.NoError(t, err)
	assert.NotEmpty(t, matches)

	require.NoError(t, m.Close())

	session, err := m.OpenVault(path, "admin", password, "")
	require.NoError(t, err)
	assert.True(t, session.IsAdmin())

	users, err := m.ListUsers()
	require.NoError(t, err)
	require.Len(t, users, 1)

	records, err := m.ListRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "example", records[0].Name)

	// Multi user management is available after migration.
	_, err = m.AddUser("bob", "", types.RoleStandardUser)
	require.NoError(t, err)
}

func TestMigrateRejectsWrongPassword(t *testing.T) {
	m, path := newTestManager(t)
	writeLegacyVault(t, path, []byte(adminPassword), types.Payload{})

	_, err := m.OpenVault(path, "admin", []byte(adminPassword), "")
	require.NoError(t, err)

	err = m.MigrateV1ToV2("admin", []byte("Wrong-Password-99"), testPolicy())
	require.ErrorIs(t, err, types.ErrAuthenticationFailed)
}

func TestMigrateRejectsMultiUserVault(t *testing.T) {
	m, path := newTestManager(t)
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))

	err := m.MigrateV1ToV2("alice", []byte(adminPassword), testPolicy())
	require.ErrorIs(t, err, types.ErrFormat)
}
