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
package hardware

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // legacy 160 bit response mode only
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/notapipeline/tower/pkg/types"
)

// SoftToken is a deterministic software authenticator used by tests
// and by deployments that accept a file backed secret instead of a
// physical device. Challenges are HMACs over the salt keyed by the
// token secret mixed with the credential id, so distinct credentials
// yield independent secrets.
type SoftToken struct {
	mu sync.Mutex

	secret []byte
	serial string

	// LegacyMode emits 160 bit responses to emulate pre-256 devices.
	LegacyMode bool

	// PIN, when set, must match the pin presented on Enroll and
	// Challenge.
	PIN string

	credentials map[string]struct{}
}

// NewSoftToken builds a software authenticator around a secret.
func NewSoftToken(secret []byte, serial string) *SoftToken {
	return &SoftToken{
		secret:      append([]byte{}, secret...),
		serial:      serial,
		credentials: map[string]struct{}{},
	}
}

// Discover reports the single software device.
func (t *SoftToken) Discover() ([]DeviceInfo, error) {
	return []DeviceInfo{{
		Serial:  t.serial,
		Product: "soft-token",
		Path:    "virtual",
	}}, nil
}

// Enroll registers a fresh credential for the relying party.
func (t *SoftToken) Enroll(rpID string, pin string) (CredentialID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.PIN != "" && pin != t.PIN {
		return nil, fmt.Errorf("%w: pin rejected", types.ErrHardware)
	}

	id := uuid.NewSHA1(uuid.NameSpaceOID, append([]byte(rpID), uuid.New().NodeID()...))
	cred := CredentialID(id[:])
	t.credentials[string(cred)] = struct{}{}
	return cred, nil
}

// Challenge returns the HMAC of the salt under the token secret and
// credential id. In LegacyMode the response is truncated SHA-1 output
// (160 bits); otherwise SHA-256 (256 bits).
func (t *SoftToken) Challenge(cred CredentialID, salt []byte, pin string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.PIN != "" && pin != t.PIN {
		return nil, fmt.Errorf("%w: pin rejected", types.ErrHardware)
	}
	if _, ok := t.credentials[string(cred)]; !ok {
		return nil, fmt.Errorf("%w: unknown credential", types.ErrHardware)
	}

	key := append(append([]byte{}, t.secret...), cred...)
	if t.LegacyMode {
		mac := hmac.New(sha1.New, key)
		mac.Write(salt)
		return mac.Sum(nil), nil
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(salt)
	return mac.Sum(nil), nil
}

// Restore re-registers a credential id persisted in a key slot so a
// fresh SoftToken (e.g. after process restart) accepts challenges for
// it.
func (t *SoftToken) Restore(cred CredentialID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credentials[string(cred)] = struct{}{}
}
