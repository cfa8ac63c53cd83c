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
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v2"

	"github.com/notapipeline/tower/pkg/types"
)

// ConfigPath is referenced as a variable to enable it to be mocked in
// tests.
var ConfigPath func() string = getConfigPath

// Config holds the engine defaults applied when a caller does not set
// a value explicitly. Vault policy stored inside a vault file always
// wins over these defaults.
type Config struct {
	// VaultPath is the default vault file location.
	VaultPath string `yaml:"vault_path" env:"TOWER_VAULT"`

	// AutoLockSeconds is the idle timeout before an open vault locks
	// itself. Zero disables auto lock.
	AutoLockSeconds int `yaml:"auto_lock_seconds" env:"TOWER_AUTO_LOCK"`

	// Backups is the number of rotated backup copies kept next to the
	// vault file.
	Backups int `yaml:"backups" env:"TOWER_BACKUPS"`

	// ComplianceMode restricts the engine to the compliant primitive
	// subset. Startup time only.
	ComplianceMode bool `yaml:"compliance_mode" env:"TOWER_COMPLIANCE"`

	// KDF selects the default derivation scheme for new vaults:
	// "pbkdf2-sha256" or "argon2id".
	KDF string `yaml:"kdf" env:"TOWER_KDF"`

	// Policy seeds the security policy for newly created vaults.
	Policy types.SecurityPolicy `yaml:"policy"`
}

// New returns a config seeded with defaults.
func New() *Config {
	return &Config{
		AutoLockSeconds: 300,
		Backups:         3,
		KDF:             "pbkdf2-sha256",
		Policy:          types.DefaultPolicy(),
	}
}

// Load the config file from the user local config directory and then
// check the environment for overrides.
func (c *Config) Load() (err error) {
	if err = c.loadYaml(); err != nil {
		return
	}
	if err = c.loadEnv(); err != nil {
		return
	}
	c.applyKDF()
	return
}

func (c *Config) loadYaml() (err error) {
	var (
		cp       string = ConfigPath()
		yamlFile []byte
	)

	if _, err = os.Stat(cp); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if yamlFile, err = os.ReadFile(cp); err != nil {
		return err
	}
	return yaml.Unmarshal(yamlFile, c)
}

func (c *Config) loadEnv() (err error) {
	return env.Parse(c)
}

func (c *Config) applyKDF() {
	switch c.KDF {
	case "argon2id":
		c.Policy.KDF = types.DefaultArgon2KDF()
	default:
		c.Policy.KDF = types.DefaultKDF()
	}
}

func getConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tower", "config.yaml")
}
