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

import "github.com/notapipeline/tower/pkg/types"

// Nop is the capability-absent implementation wired when no hardware
// support is available. Discovery reports no devices; enrollment and
// challenges fail cleanly. Policy checks that require hardware treat a
// Nop-backed engine as "no authenticator present".
type Nop struct{}

// Discover always reports an empty device list.
func (Nop) Discover() ([]DeviceInfo, error) {
	return nil, nil
}

// Enroll always fails: there is no device to enroll against.
func (Nop) Enroll(string, string) (CredentialID, error) {
	return nil, types.ErrHardwareNotPresent
}

// Challenge always fails: there is no device to challenge.
func (Nop) Challenge(CredentialID, []byte, string) ([]byte, error) {
	return nil, types.ErrHardwareNotPresent
}
