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

// RecordHistoryDepth bounds the per record password history.
const RecordHistoryDepth = 5

// AccountRecord is one stored credential. Records only ever exist in
// cleartext inside the decrypted payload; at rest the whole collection
// is a single AEAD ciphertext under the DEK.
type AccountRecord struct {
	ID string `json:"id"`

	CreatedAt         int64 `json:"created_at"`
	ModifiedAt        int64 `json:"modified_at"`
	PasswordChangedAt int64 `json:"password_changed_at,omitempty"`

	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Email    string `json:"email,omitempty"`
	Website  string `json:"website,omitempty"`
	Notes    string `json:"notes,omitempty"`

	Tags []string `json:"tags,omitempty"`

	// AdminOnlyView and AdminOnlyDelete restrict the record to
	// administrator sessions.
	AdminOnlyView   bool `json:"admin_only_view,omitempty"`
	AdminOnlyDelete bool `json:"admin_only_delete,omitempty"`

	// PasswordHistory retains the most recent retired passwords for
	// this record, newest first, bounded by RecordHistoryDepth.
	PasswordHistory []string `json:"password_history,omitempty"`
}

// PushPasswordHistory retires the current password into the record
// history, evicting the oldest entry beyond the depth.
func (r *AccountRecord) PushPasswordHistory() {
	if r.Password == "" {
		return
	}
	r.PasswordHistory = append([]string{r.Password}, r.PasswordHistory...)
	if len(r.PasswordHistory) > RecordHistoryDepth {
		r.PasswordHistory = r.PasswordHistory[:RecordHistoryDepth]
	}
}

// Payload is the cleartext shape of the encrypted vault body.
type Payload struct {
	Records []AccountRecord `json:"records"`
}
