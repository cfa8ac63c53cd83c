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
package vault

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/notapipeline/tower/pkg/types"
)

// ErrRecordNotFound covers both a genuinely missing record and one
// hidden from the acting session, so non administrators cannot probe
// for admin only record ids.
var ErrRecordNotFound = errors.New("record not found")

// AddRecord stores a new account record and returns its id. Privacy
// flags may only be set by an administrator.
func (m *Manager) AddRecord(record types.AccountRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireOpen(); err != nil {
		return "", err
	}
	if (record.AdminOnlyView || record.AdminOnlyDelete) && !m.session.IsAdmin() {
		return "", fmt.Errorf("%w: administrator required", types.ErrAuthenticationFailed)
	}

	record.ID = uuid.New().String()
	record.CreatedAt = now().Unix()
	record.ModifiedAt = record.CreatedAt
	if record.Password != "" {
		record.PasswordChangedAt = record.CreatedAt
	}
	record.PasswordHistory = nil

	m.payload.Records = append(m.payload.Records, record)
	m.modified = true
	m.armLock()
	return record.ID, nil
}

// GetRecord returns a copy of one record by id.
func (m *Manager) GetRecord(id string) (types.AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var empty types.AccountRecord
	if err := m.requireOpen(); err != nil {
		return empty, err
	}
	record := m.record(id)
	if record == nil || (record.AdminOnlyView && !m.session.IsAdmin()) {
		return empty, ErrRecordNotFound
	}
	m.armLock()
	return *record, nil
}

// UpdateRecord replaces the stored fields of a record. A changed
// password retires the previous one into the record history. Privacy
// flags may only be toggled by an administrator.
func (m *Manager) UpdateRecord(update types.AccountRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireOpen(); err != nil {
		return err
	}
	record := m.record(update.ID)
	if record == nil || (record.AdminOnlyView && !m.session.IsAdmin()) {
		return ErrRecordNotFound
	}
	if !m.session.IsAdmin() &&
		(update.AdminOnlyView != record.AdminOnlyView ||
			update.AdminOnlyDelete != record.AdminOnlyDelete) {
		return fmt.Errorf("%w: administrator required", types.ErrAuthenticationFailed)
	}

	passwordChanged := update.Password != record.Password
	if passwordChanged {
		record.PushPasswordHistory()
	}

	update.CreatedAt = record.CreatedAt
	update.PasswordHistory = record.PasswordHistory
	update.ModifiedAt = now().Unix()
	if passwordChanged {
		update.PasswordChangedAt = update.ModifiedAt
	} else {
		update.PasswordChangedAt = record.PasswordChangedAt
	}

	*record = update
	m.modified = true
	m.armLock()
	return nil
}

// DeleteRecord removes a record. Records flagged admin only deletable
// are refused to standard users even though they may view them.
func (m *Manager) DeleteRecord(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireOpen(); err != nil {
		return err
	}
	record := m.record(id)
	if record == nil || (record.AdminOnlyView && !m.session.IsAdmin()) {
		return ErrRecordNotFound
	}
	if record.AdminOnlyDelete && !m.session.IsAdmin() {
		return fmt.Errorf("%w: administrator required", types.ErrAuthenticationFailed)
	}

	for i := range m.payload.Records {
		if m.payload.Records[i].ID == id {
			m.payload.Records = append(m.payload.Records[:i], m.payload.Records[i+1:]...)
			break
		}
	}
	m.modified = true
	m.armLock()
	return nil
}

// ListRecords returns copies of the records visible to the acting
// session, admin only viewable ones filtered for standard users.
func (m *Manager) ListRecords() ([]types.AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireOpen(); err != nil {
		return nil, err
	}
	records := make([]types.AccountRecord, 0, len(m.payload.Records))
	for i := range m.payload.Records {
		if m.payload.Records[i].AdminOnlyView && !m.session.IsAdmin() {
			continue
		}
		records = append(records, m.payload.Records[i])
	}
	m.armLock()
	return records, nil
}

func (m *Manager) record(id string) *types.AccountRecord {
	for i := range m.payload.Records {
		if m.payload.Records[i].ID == id {
			return &m.payload.Records[i]
		}
	}
	return nil
}
