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
package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notapipeline/tower/pkg/config"
)

// withMockedPrompts routes every password prompt to a canned answer
// and points the config loader at an isolated file.
func withMockedPrompts(t *testing.T, password string) string {
	t.Helper()

	originalPrompt := getPassword
	originalConfig := config.ConfigPath
	t.Cleanup(func() {
		getPassword = originalPrompt
		config.ConfigPath = originalConfig
		vaultPath = ""
		identity = ""
	})

	getPassword = func(string) ([]byte, error) {
		return []byte(password), nil
	}
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile,
		[]byte("auto_lock_seconds: 0\n"), 0o600))
	config.ConfigPath = func() string { return configFile }

	return filepath.Join(dir, "test.vault")
}

func TestCreateCommand(t *testing.T) {
	path := withMockedPrompts(t, "Tr4vers3-Blue-Moth")
	vaultPath = path
	identity = "alice"

	require.NoError(t, createCmd.RunE(createCmd, nil))
	_, err := os.Stat(path)
	require.NoError(t, err)

	// A second create against the same file must refuse.
	err = createCmd.RunE(createCmd, nil)
	assert.ErrorContains(t, err, "already exists")
}

func TestCreateCommandRequiresIdentity(t *testing.T) {
	vaultPath = withMockedPrompts(t, "Tr4vers3-Blue-Moth")
	identity = ""

	err := createCmd.RunE(createCmd, nil)
	assert.ErrorContains(t, err, "--user")
}

func TestGetNewPasswordMismatch(t *testing.T) {
	original := getPassword
	t.Cleanup(func() { getPassword = original })

	answers := [][]byte{[]byte("first-answer"), []byte("second-answer")}
	getPassword = func(string) ([]byte, error) {
		answer := answers[0]
		answers = answers[1:]
		return answer, nil
	}

	_, err := getNewPassword("New password: ")
	assert.ErrorContains(t, err, "do not match")
}

func TestAddUserAndListAfterCreate(t *testing.T) {
	path := withMockedPrompts(t, "Tr4vers3-Blue-Moth")
	vaultPath = path
	identity = "alice"

	require.NoError(t, createCmd.RunE(createCmd, nil))
	require.NoError(t, addUserCmd.RunE(addUserCmd, []string{"bob"}))
	require.NoError(t, usersCmd.RunE(usersCmd, nil))
}
