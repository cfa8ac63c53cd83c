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
	"fmt"

	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate a legacy vault to the multi-user format",
	Long: `Migrate a single master password vault to the multi-user format.

The acting identity becomes the administrator of the converted vault.
A backup snapshot is taken first; the conversion itself is
irreversible.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		if c.VaultPath == "" || identity == "" {
			return fmt.Errorf("both --vault and --user are required")
		}

		password, err := getPassword("Master password: ")
		if err != nil {
			return err
		}

		m, provider := newManager(c)
		defer provider.Close()
		if _, err := m.OpenVault(c.VaultPath, identity, password, ""); err != nil {
			return err
		}
		defer m.Close()

		if err := m.MigrateV1ToV2(identity, password, c.Policy); err != nil {
			return err
		}
		fmt.Printf("Migrated %s, administrator %q\n", c.VaultPath, identity)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
