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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notapipeline/tower/pkg/types"
)

// openAsStandardUser creates a vault with an administrator and a
// standard user, stores the given records as the administrator, then
// reopens the vault as the standard user.
func openAsStandardUser(t *testing.T, records ...types.AccountRecord) (*Manager, []string) {
	t.Helper()

	m, path := newTestManager(t)
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))

	const bobPassword = "Velvet-Otter-3019"
	_, err := m.AddUser("bob", bobPassword, types.RoleStandardUser)
	require.NoError(t, err)
	m.findSlot("bob").MustChangePassword = false

	ids := make([]string, 0, len(records))
	for _, record := range records {
		id, err := m.AddRecord(record)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, m.Save())
	require.NoError(t, m.Close())

	_, err = m.OpenVault(path, "bob", []byte(bobPassword), "")
	require.NoError(t, err)
	return m, ids
}

func TestRecordCRUD(t *testing.T) {
	m, path := newTestManager(t)
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))

	id, err := m.AddRecord(types.AccountRecord{
		Name:     "example.com",
		Username: "alice",
		Password: "hunter2hunter2",
		Tags:     []string{"work"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	record, err := m.GetRecord(id)
	require.NoError(t, err)
	assert.Equal(t, "example.com", record.Name)
	assert.NotZero(t, record.CreatedAt)
	assert.Equal(t, record.CreatedAt, record.PasswordChangedAt)

	record.Notes = "rotated quarterly"
	require.NoError(t, m.UpdateRecord(record))

	updated, err := m.GetRecord(id)
	require.NoError(t, err)
	assert.Equal(t, "rotated quarterly", updated.Notes)
	assert.Empty(t, updated.PasswordHistory)

	require.NoError(t, m.DeleteRecord(id))
	_, err = m.GetRecord(id)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRecordPasswordHistory(t *testing.T) {
	m, path := newTestManager(t)
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))

	id, err := m.AddRecord(types.AccountRecord{Name: "example", Password: "first-password"})
	require.NoError(t, err)

	record, err := m.GetRecord(id)
	require.NoError(t, err)
	record.Password = "second-password"
	require.NoError(t, m.UpdateRecord(record))

	record, err = m.GetRecord(id)
	require.NoError(t, err)
	require.Len(t, record.PasswordHistory, 1)
	assert.Equal(t, "first-password", record.PasswordHistory[0])
	assert.Greater(t, record.PasswordChangedAt, int64(0))

	// History is bounded at the record depth, newest first.
	for i := 0; i < types.RecordHistoryDepth+2; i++ {
		record.Password = record.Password + "x"
		require.NoError(t, m.UpdateRecord(record))
		record, err = m.GetRecord(id)
		require.NoError(t, err)
	}
	assert.Len(t, record.PasswordHistory, types.RecordHistoryDepth)
}

func TestAdminOnlyViewHiddenFromStandardUsers(t *testing.T) {
	m, ids := openAsStandardUser(t,
		types.AccountRecord{Name: "public"},
		types.AccountRecord{Name: "root credentials", AdminOnlyView: true},
	)

	records, err := m.ListRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "public", records[0].Name)

	// Hidden and missing are indistinguishable.
	_, err = m.GetRecord(ids[1])
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.ErrorIs(t, m.DeleteRecord(ids[1]), ErrRecordNotFound)
}

func TestAdminOnlyDeleteVisibleButProtected(t *testing.T) {
	m, ids := openAsStandardUser(t,
		types.AccountRecord{Name: "shared service", AdminOnlyDelete: true},
	)

	record, err := m.GetRecord(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "shared service", record.Name)

	err = m.DeleteRecord(ids[0])
	assert.ErrorIs(t, err, types.ErrAuthenticationFailed)
}

func TestStandardUserCannotSetPrivacyFlags(t *testing.T) {
	m, ids := openAsStandardUser(t, types.AccountRecord{Name: "public"})

	_, err := m.AddRecord(types.AccountRecord{Name: "sneaky", AdminOnlyView: true})
	assert.ErrorIs(t, err, types.ErrAuthenticationFailed)

	record, err := m.GetRecord(ids[0])
	require.NoError(t, err)
	record.AdminOnlyDelete = true
	assert.ErrorIs(t, m.UpdateRecord(record), types.ErrAuthenticationFailed)
}

func TestAdminSeesEverything(t *testing.T) {
	m, path := newTestManager(t)
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))

	_, err := m.AddRecord(types.AccountRecord{Name: "public"})
	require.NoError(t, err)
	id, err := m.AddRecord(types.AccountRecord{Name: "hidden", AdminOnlyView: true, AdminOnlyDelete: true})
	require.NoError(t, err)

	records, err := m.ListRecords()
	require.NoError(t, err)
	assert.Len(t, records, 2)

	require.NoError(t, m.DeleteRecord(id))
}
