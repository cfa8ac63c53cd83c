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

// Package hardware abstracts the optional second factor device. The
// engine depends only on the Authenticator interface so hardware
// support is an injected capability: wiring the Nop implementation
// produces a vault with no hardware paths rather than a differently
// compiled engine.
package hardware

import (
	"fmt"

	"github.com/notapipeline/tower/pkg/types"
)

// CredentialID is the opaque identifier an authenticator returns at
// enrollment. It is stored in the key slot and must be presented on
// every subsequent challenge.
type CredentialID []byte

// DeviceInfo describes one attached authenticator.
type DeviceInfo struct {
	Serial  string
	Product string
	Path    string
}

// Authenticator is the capability interface for a hardware second
// factor.
//
// Challenge yields the secret that is combined into the KEK. Only the
// 256 bit response mode is accepted when compliance is enforced; see
// ValidateResponse.
type Authenticator interface {
	// Discover enumerates attached devices. Callers must go through a
	// Cache: the underlying transport is not safe for concurrent
	// enumeration.
	Discover() ([]DeviceInfo, error)

	// Enroll creates a discoverable credential bound to the vault's
	// relying party identity and returns its opaque id.
	Enroll(rpID string, pin string) (CredentialID, error)

	// Challenge performs a challenge/response against an enrolled
	// credential, requiring user presence. The salt is the challenge
	// input; the response is the derived secret.
	Challenge(cred CredentialID, salt []byte, pin string) ([]byte, error)
}

// ValidateResponse checks a challenge response against the compliance
// rules: with compliance active only the 256 bit output mode is
// accepted; otherwise any non empty response passes.
func ValidateResponse(response []byte, compliance bool) error {
	if len(response) == 0 {
		return fmt.Errorf("%w: empty response", types.ErrHardware)
	}
	if compliance && len(response) != types.KeySize {
		return fmt.Errorf("%w: %d byte response mode is not permitted in compliance mode",
			types.ErrHardware, len(response))
	}
	return nil
}
