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
package tools

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"

	"github.com/peterh/liner"
	"github.com/twpayne/go-pinentry"
)

// ReadPassword reads a password from the user via STDIN
func ReadPassword(prompt string) ([]byte, error) {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	defer line.Close()
	var (
		password string
		err      error
	)
	if password, err = line.PasswordPrompt(prompt); err != nil {
		if err == liner.ErrPromptAborted {
			line.Close()
			os.Exit(0)
		}
		return nil, err
	}
	return []byte(password), nil
}

// GetSecureInput tries to read a password via the system pinentry
// program, falling back to a terminal prompt when pinentry is not
// available.
func GetSecureInput(prompt string) ([]byte, error) {
	client, err := pinentry.NewClient(
		pinentry.WithBinaryNameFromGnuPGAgentConf(),
		pinentry.WithDesc("Vault password required"),
		pinentry.WithPrompt(prompt),
		pinentry.WithTitle("tower"),
	)
	if err != nil {
		return ReadPassword(prompt)
	}
	defer client.Close()

	switch password, fromCache, err := client.GetPIN(); {
	case pinentry.IsCancelled(err):
		return nil, fmt.Errorf("cancelled")
	case err != nil:
		return ReadPassword(prompt)
	case fromCache:
		return []byte(password), nil
	default:
		return []byte(password), nil
	}
}

// tempPasswordCharset deliberately omits characters that are easily
// confused when read out over the phone (l, 1, I, O, 0).
const tempPasswordCharset = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789!@#$%^&*"

// GenerateTempPassword produces a random temporary password of the
// given length using a crypto quality generator.
func GenerateTempPassword(length int) (string, error) {
	if length < 8 {
		length = 16
	}
	password := make([]byte, length)
	max := big.NewInt(int64(len(tempPasswordCharset)))
	for i := range password {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate temporary password: %w", err)
		}
		password[i] = tempPasswordCharset[n.Int64()]
	}
	return string(password), nil
}
