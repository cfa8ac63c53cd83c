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
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/notapipeline/tower/pkg/types"
)

var addAsAdmin bool

// usersCmd represents the users command
var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List vault users",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, provider, err := openVault()
		if err != nil {
			return err
		}
		defer provider.Close()
		defer m.Close()

		users, err := m.ListUsers()
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Identity", "Role", "Hardware", "Must change", "Last login"})
		for _, user := range users {
			lastLogin := "never"
			if user.LastLoginAt > 0 {
				lastLogin = time.Unix(user.LastLoginAt, 0).Format(time.RFC822)
			}
			t.AppendRow(table.Row{
				user.Identity,
				user.Role.String(),
				user.HardwareEnrolled,
				user.MustChangePassword,
				lastLogin,
			})
		}
		t.Render()
		return nil
	},
}

// addUserCmd represents the adduser command
var addUserCmd = &cobra.Command{
	Use:   "adduser <identity>",
	Short: "Add a user to the vault",
	Long: `Add a user to the vault with a generated temporary password.

The temporary password is printed once; the new user must change it on
first login.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, provider, err := openVault()
		if err != nil {
			return err
		}

		role := types.RoleStandardUser
		if addAsAdmin {
			role = types.RoleAdministrator
		}
		temp, err := m.AddUser(args[0], "", role)
		if err != nil {
			m.Close()
			provider.Close()
			return err
		}
		if err := saveAndClose(m, provider); err != nil {
			return err
		}

		fmt.Printf("Added %q (%s)\nTemporary password: %s\n", args[0], role, temp)
		return nil
	},
}

// rmUserCmd represents the rmuser command
var rmUserCmd = &cobra.Command{
	Use:   "rmuser <identity>",
	Short: "Remove a user from the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, provider, err := openVault()
		if err != nil {
			return err
		}
		if err := m.RemoveUser(args[0]); err != nil {
			m.Close()
			provider.Close()
			return err
		}
		return saveAndClose(m, provider)
	},
}

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset <identity>",
	Short: "Reset a user's password",
	Long: `Reset another user's password to a generated temporary one.

Clears the user's password history and any hardware enrollment; the
user must change the password on next login.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, provider, err := openVault()
		if err != nil {
			return err
		}
		temp, err := m.AdminResetPassword(args[0], "")
		if err != nil {
			m.Close()
			provider.Close()
			return err
		}
		if err := saveAndClose(m, provider); err != nil {
			return err
		}

		fmt.Printf("Temporary password for %q: %s\n", args[0], temp)
		return nil
	},
}

// passwdCmd represents the passwd command
var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change your own password",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		if c.VaultPath == "" || identity == "" {
			return fmt.Errorf("both --vault and --user are required")
		}

		current, err := getPassword("Current password: ")
		if err != nil {
			return err
		}

		m, provider := newManager(c)
		defer provider.Close()
		if _, err := m.OpenVault(c.VaultPath, identity, current, ""); err != nil {
			return err
		}
		defer m.Close()

		if err := changeOwnPassword(m, current); err != nil {
			return err
		}
		return m.Save()
	},
}

func init() {
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(addUserCmd)
	rootCmd.AddCommand(rmUserCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(passwdCmd)
	addUserCmd.Flags().BoolVar(&addAsAdmin, "admin", false, "grant the administrator role")
}
