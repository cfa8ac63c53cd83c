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
	"bytes"
	"fmt"
	"os"

	"github.com/notapipeline/tower/pkg/config"
	"github.com/notapipeline/tower/pkg/crypto"
	"github.com/notapipeline/tower/pkg/tools"
	"github.com/notapipeline/tower/pkg/vault"
)

// getPassword is referenced as a variable to enable it to be mocked in
// tests.
var getPassword func(prompt string) ([]byte, error) = func(prompt string) ([]byte, error) {
	return tools.GetSecureInput(prompt)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// getNewPassword prompts twice and insists the entries match.
func getNewPassword(prompt string) ([]byte, error) {
	password, err := getPassword(prompt)
	if err != nil {
		return nil, err
	}
	confirm, err := getPassword("Confirm password: ")
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(password, confirm) {
		return nil, fmt.Errorf("passwords do not match")
	}
	return password, nil
}

// openVault authenticates against the configured vault file and
// returns the open manager. The caller owns Close on the manager and
// the provider.
func openVault() (*vault.Manager, *crypto.Provider, error) {
	c, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if c.VaultPath == "" {
		return nil, nil, fmt.Errorf("no vault file configured, use --vault or set vault_path in %s", config.ConfigPath())
	}
	if identity == "" {
		return nil, nil, fmt.Errorf("no identity given, use --user")
	}

	password, err := getPassword("Vault password: ")
	if err != nil {
		return nil, nil, err
	}

	m, provider := newManager(c)
	session, err := m.OpenVault(c.VaultPath, identity, password, "")
	if err != nil {
		provider.Close()
		return nil, nil, err
	}

	if session.PasswordChangeRequired {
		fmt.Println("A password change is required before anything else.")
		if err := changeOwnPassword(m, password); err != nil {
			m.Close()
			provider.Close()
			return nil, nil, err
		}
	}
	return m, provider, nil
}

func changeOwnPassword(m *vault.Manager, current []byte) error {
	replacement, err := getNewPassword("New password: ")
	if err != nil {
		return err
	}
	return m.ChangePassword(identity, current, replacement, "")
}

// saveAndClose persists any pending mutation and tears down.
func saveAndClose(m *vault.Manager, provider *crypto.Provider) error {
	defer provider.Close()
	defer m.Close()
	return m.Save()
}
