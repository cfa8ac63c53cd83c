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
	"os"

	"github.com/spf13/cobra"

	"github.com/notapipeline/tower/pkg/types"
)

var (
	createMinLength uint32
	createHistory   uint32
	createFEC       uint8
	createHardware  bool
)

// createCmd represents the create command
var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new vault",
	Long: `Create a new multi-user vault file with a single administrator.

The vault policy (minimum password length, key derivation scheme,
password history depth, parity redundancy) is fixed at creation time
from the flags below and the kdf setting in the config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		if c.VaultPath == "" {
			return fmt.Errorf("no vault file given, use --vault")
		}
		if identity == "" {
			return fmt.Errorf("no administrator identity given, use --user")
		}
		if _, err := os.Stat(c.VaultPath); err == nil {
			return fmt.Errorf("%s already exists", c.VaultPath)
		}

		policy := c.Policy
		policy.MinPasswordLength = createMinLength
		policy.PasswordHistoryDepth = createHistory
		policy.FECRedundancy = createFEC
		policy.RequireHardware = createHardware

		password, err := getNewPassword("Administrator password: ")
		if err != nil {
			return err
		}

		m, provider := newManager(c)
		defer provider.Close()
		if err := m.CreateVault(c.VaultPath, identity, password, policy, ""); err != nil {
			return err
		}
		defer m.Close()

		fmt.Printf("Created %s with administrator %q\n", c.VaultPath, identity)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().Uint32Var(&createMinLength, "min-length", types.DefaultPolicy().MinPasswordLength, "minimum password length")
	createCmd.Flags().Uint32Var(&createHistory, "history", types.DefaultPolicy().PasswordHistoryDepth, "password history depth")
	createCmd.Flags().Uint8Var(&createFEC, "fec", types.DefaultPolicy().FECRedundancy, "parity redundancy percent, 0 disables")
	createCmd.Flags().BoolVar(&createHardware, "require-hardware", false, "require a hardware second factor for every user")
}
