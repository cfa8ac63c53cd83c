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
package format

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// backupTimeLayout orders backups lexically by name.
const backupTimeLayout = "20060102-150405"

// now is referenced as a variable to enable it to be mocked in tests
// covering backup rotation.
var now func() time.Time = time.Now

// ReadFile loads a vault file from disk.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vault: %w", err)
	}
	return data, nil
}

// WriteFile persists a vault file atomically: write a temp file in the
// same directory, fsync it, rename over the target, then sync the
// directory. The file is restricted to the owner.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	if err = tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename vault file: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// RotateBackups snapshots the current vault file into a timestamped
// sibling and prunes the oldest copies beyond keep. With keep <= 0 no
// backups are taken. Called before every overwrite so a bad save never
// destroys the only good copy.
func RotateBackups(path string, keep int) error {
	if keep <= 0 {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read vault for backup: %w", err)
	}

	backup := fmt.Sprintf("%s.bak-%s", path, now().UTC().Format(backupTimeLayout))
	if err := os.WriteFile(backup, data, 0o600); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}

	matches, err := filepath.Glob(path + ".bak-*")
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	for len(matches) > keep {
		os.Remove(matches[0])
		matches = matches[1:]
	}
	return nil
}
