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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notapipeline/tower/pkg/types"
)

func TestValidatePassword(t *testing.T) {
	policy := types.DefaultPolicy()
	policy.MinPasswordLength = 8

	for _, tt := range []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"too short", "Ab3$xYz", true},
		{"common", "password123", true},
		{"common mixed case", "LetMeIn", true},
		{"repeated characters", "aaaaaaaaaaaa", true},
		{"keyboard walk", "qwertyuiop", true},
		{"strong passphrase", "Quiet-Lantern-88", false},
		{"random", "mGk7#pTzQw9$Lr", false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePassword([]byte(tt.password), &policy)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrWeakPassword)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	// An empty password is malformed rather than weak.
	assert.ErrorIs(t, validatePassword(nil, &policy), types.ErrInvalidPassword)
	assert.ErrorIs(t, validatePassword([]byte{}, &policy), types.ErrInvalidPassword)
}

func TestPasswordHistoryDepth(t *testing.T) {
	m, path := newTestManager(t)
	policy := testPolicy()
	policy.PasswordHistoryDepth = 2

	passwords := []string{
		adminPassword,
		"Quiet-Lantern-88",
		"Velvet-Otter-3019",
		"Iron-Kettle-7742",
	}

	require.NoError(t, m.CreateVault(path, "alice", []byte(passwords[0]), policy, ""))
	for i := 1; i < len(passwords); i++ {
		require.NoError(t, m.ChangePassword("alice",
			[]byte(passwords[i-1]), []byte(passwords[i]), ""))
	}

	current := passwords[len(passwords)-1]

	// The last two retired passwords are rejected.
	err := m.ChangePassword("alice", []byte(current), []byte(passwords[2]), "")
	assert.ErrorIs(t, err, types.ErrPasswordReused)
	err = m.ChangePassword("alice", []byte(current), []byte(passwords[1]), "")
	assert.ErrorIs(t, err, types.ErrPasswordReused)

	// The original password fell off the end of the history.
	require.NoError(t, m.ChangePassword("alice", []byte(current), []byte(passwords[0]), ""))
}

func TestChangePasswordRejectsCurrentPassword(t *testing.T) {
	m, path := newTestManager(t)
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))

	err := m.ChangePassword("alice", []byte(adminPassword), []byte(adminPassword), "")
	assert.ErrorIs(t, err, types.ErrPasswordReused)
}

func TestChangePasswordWrongOldPassword(t *testing.T) {
	m, path := newTestManager(t)
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))

	err := m.ChangePassword("alice", []byte("Wrong-Password-99"), []byte("Quiet-Lantern-88"), "")
	assert.ErrorIs(t, err, types.ErrAuthenticationFailed)

	// The failed attempt changed nothing.
	assert.True(t, m.VerifyCredentials([]byte(adminPassword), ""))
}

func TestChangePasswordSurvivesReopen(t *testing.T) {
	m, path := newTestManager(t)
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))

	_, err := m.AddRecord(types.AccountRecord{Name: "example"})
	require.NoError(t, err)

	const replacement = "Quiet-Lantern-88"
	require.NoError(t, m.ChangePassword("alice", []byte(adminPassword), []byte(replacement), ""))
	require.NoError(t, m.Save())
	require.NoError(t, m.Close())

	_, err = m.OpenVault(path, "alice", []byte(replacement), "")
	require.NoError(t, err)
	records, err := m.ListRecords()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestChangePasswordAsync(t *testing.T) {
	m, path := newTestManager(t)
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))

	op := m.ChangePasswordAsync(context.Background(), "alice",
		[]byte(adminPassword), []byte("Quiet-Lantern-88"), "")

	var steps []string
	for p := range op.Progress() {
		steps = append(steps, p.Step)
	}
	require.NoError(t, op.Wait())
	assert.Contains(t, steps, "validate")
	assert.Contains(t, steps, "derive")

	assert.True(t, m.VerifyCredentials([]byte("Quiet-Lantern-88"), ""))
}

func TestChangePasswordAsyncCancelled(t *testing.T) {
	m, path := newTestManager(t)
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op := m.ChangePasswordAsync(ctx, "alice",
		[]byte(adminPassword), []byte("Quiet-Lantern-88"), "")
	err := op.Wait()
	require.ErrorIs(t, err, context.Canceled)

	// The cancelled change left the old credential in place.
	assert.True(t, m.VerifyCredentials([]byte(adminPassword), ""))
}

func TestChangePasswordAsyncCompletesOnce(t *testing.T) {
	m, path := newTestManager(t)
	require.NoError(t, m.CreateVault(path, "alice", []byte(adminPassword), testPolicy(), ""))

	op := m.ChangePasswordAsync(context.Background(), "alice",
		[]byte(adminPassword), []byte("Quiet-Lantern-88"), "")
	require.NoError(t, op.Wait())

	// Done is closed after the single delivery; a second receive
	// returns immediately with the zero value.
	_, open := <-op.Done()
	assert.False(t, open)
}
