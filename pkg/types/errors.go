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
package types

import (
	"errors"
	"fmt"
)

// Sentinel errors returned across the engine boundary. Every mutating
// call returns one of these (possibly wrapped) rather than panicking.
//
// Messages are deliberately terse and identical for every occurrence of
// a kind. In particular an unknown user and a wrong password both
// surface as ErrAuthenticationFailed so callers cannot enumerate
// identities from error text.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrUserNotFound         = errors.New("no such user")
	ErrInvalidUsername      = errors.New("invalid username")
	ErrInvalidPassword      = errors.New("invalid password")
	ErrWeakPassword         = errors.New("password does not meet the vault policy")
	ErrPasswordReused       = errors.New("password was used previously")
	ErrInvalidSalt          = errors.New("salt is too short")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrCrypto               = errors.New("cryptographic operation failed")
	ErrUnwrapFailed         = errors.New("key unwrap failed")
	ErrHardwareNotPresent   = errors.New("hardware authenticator not present")
	ErrHardware             = errors.New("hardware authenticator error")
	ErrFileWrite            = errors.New("failed to write vault file")
	ErrFormat               = errors.New("vault file is corrupted")
	ErrVaultNotOpen         = errors.New("vault is not open")
)

// UnsupportedTypeError wraps ErrUnsupportedAlgorithm with the offending
// algorithm id for logs. Callers match with errors.Is.
type UnsupportedTypeError struct {
	Value KDFType
}

func (e UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported algorithm: 0x%02x", uint8(e.Value))
}

func (e UnsupportedTypeError) Unwrap() error {
	return ErrUnsupportedAlgorithm
}

// InvalidSaltError wraps ErrInvalidSalt with the rejected length.
type InvalidSaltError struct {
	Length int
}

func (e InvalidSaltError) Error() string {
	return fmt.Sprintf("salt is too short: %d bytes (minimum %d)", e.Length, MinSaltSize)
}

func (e InvalidSaltError) Unwrap() error {
	return ErrInvalidSalt
}

// WeakPasswordError wraps ErrWeakPassword with the policy reason. The
// reason is safe to show to the acting user; it never contains the
// candidate password.
type WeakPasswordError struct {
	Reason string
}

func (e WeakPasswordError) Error() string {
	return fmt.Sprintf("password does not meet the vault policy: %s", e.Reason)
}

func (e WeakPasswordError) Unwrap() error {
	return ErrWeakPassword
}
