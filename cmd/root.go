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
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/notapipeline/tower/pkg/config"
	"github.com/notapipeline/tower/pkg/crypto"
	"github.com/notapipeline/tower/pkg/vault"
)

var (
	vaultPath  string
	identity   string
	compliance bool
	debug      bool
	quiet      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tower",
	Short: "Local multi-user secrets vault",
	Long: `
Local multi-user secrets vault

Stores credential records encrypted at rest in a single file. Every
user of a vault holds their own key slot wrapping a shared payload
key, so passwords can be changed and users added or removed without
re-encrypting the stored records.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		fatal("Error: %s", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&vaultPath, "vault", "", "vault file (default is taken from $HOME/.config/tower/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&identity, "user", "u", "", "identity to authenticate as")
	rootCmd.PersistentFlags().BoolVar(&compliance, "compliance", false, "restrict cryptography to the compliant subset")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "disable all logging")
}

// logger builds the CLI logger honouring the --debug/--quiet flags.
func logger() zerolog.Logger {
	if quiet {
		return zerolog.Nop()
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
}

// loadConfig reads the user config and applies command line overrides.
func loadConfig() (*config.Config, error) {
	c := config.New()
	if err := c.Load(); err != nil {
		return nil, err
	}
	if vaultPath != "" {
		c.VaultPath = vaultPath
	}
	if compliance {
		c.ComplianceMode = true
	}
	return c, nil
}

// newManager wires a Manager from config. The caller owns Close on
// both the manager and the returned provider.
func newManager(c *config.Config) (*vault.Manager, *crypto.Provider) {
	opts := []crypto.ProviderOption{crypto.WithLogger(logger())}
	if c.ComplianceMode {
		opts = append(opts, crypto.WithComplianceMode())
	}
	provider := crypto.NewProvider(opts...)

	managerOpts := []vault.Option{vault.WithBackups(c.Backups)}
	if c.AutoLockSeconds > 0 {
		managerOpts = append(managerOpts,
			vault.WithAutoLock(time.Duration(c.AutoLockSeconds)*time.Second))
	}
	return vault.New(provider, managerOpts...), provider
}
