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

	"github.com/hokaccha/go-prettyjson"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/notapipeline/tower/pkg/types"
)

var (
	recordUsername string
	recordEmail    string
	recordWebsite  string
	recordNotes    string
	recordTags     []string
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored records",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, provider, err := openVault()
		if err != nil {
			return err
		}
		defer provider.Close()
		defer m.Close()

		records, err := m.ListRecords()
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"ID", "Name", "Username", "Website"})
		for _, record := range records {
			t.AppendRow(table.Row{record.ID, record.Name, record.Username, record.Website})
		}
		t.Render()
		return nil
	},
}

// showCmd represents the show command
var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one record, password included",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, provider, err := openVault()
		if err != nil {
			return err
		}
		defer provider.Close()
		defer m.Close()

		record, err := m.GetRecord(args[0])
		if err != nil {
			return err
		}

		b, err := prettyjson.Marshal(record)
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	},
}

// addCmd represents the add command
var addCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Store a new record",
	Long: `Store a new credential record.

The password for the record is prompted for rather than taken on the
command line, keeping it out of shell history.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, provider, err := openVault()
		if err != nil {
			return err
		}

		password, err := getPassword("Record password (empty for none): ")
		if err != nil {
			m.Close()
			provider.Close()
			return err
		}

		id, err := m.AddRecord(types.AccountRecord{
			Name:     args[0],
			Username: recordUsername,
			Password: string(password),
			Email:    recordEmail,
			Website:  recordWebsite,
			Notes:    recordNotes,
			Tags:     recordTags,
		})
		if err != nil {
			m.Close()
			provider.Close()
			return err
		}
		if err := saveAndClose(m, provider); err != nil {
			return err
		}

		fmt.Println(id)
		return nil
	},
}

// rmCmd represents the rm command
var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, provider, err := openVault()
		if err != nil {
			return err
		}
		if err := m.DeleteRecord(args[0]); err != nil {
			m.Close()
			provider.Close()
			return err
		}
		return saveAndClose(m, provider)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(rmCmd)

	addCmd.Flags().StringVar(&recordUsername, "username", "", "account username")
	addCmd.Flags().StringVar(&recordEmail, "email", "", "account email address")
	addCmd.Flags().StringVar(&recordWebsite, "website", "", "account website")
	addCmd.Flags().StringVar(&recordNotes, "notes", "", "free form notes")
	addCmd.Flags().StringSliceVar(&recordTags, "tags", nil, "tags (may be specified multiple times)")
}
