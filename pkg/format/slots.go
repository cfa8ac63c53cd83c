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
package format

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/notapipeline/tower/pkg/types"
)

const (
	slotFlagMustChange       = 0x01
	slotFlagHardwareEnrolled = 0x02

	// maxFieldSize bounds variable length slot fields (identity,
	// digest, credential id).
	maxFieldSize = 1024

	// maxHistoryEntries bounds a slot history on disk regardless of
	// the policy depth it was written under.
	maxHistoryEntries = 64
)

func writeKDF(buf *bytes.Buffer, kdf *types.KDFInfo) {
	buf.WriteByte(byte(kdf.Type))
	binary.Write(buf, binary.BigEndian, kdf.Iterations)
	binary.Write(buf, binary.BigEndian, kdf.MemoryKB)
	buf.WriteByte(kdf.Parallelism)
}

func readKDF(r *bytes.Reader, kdf *types.KDFInfo) error {
	t, err := r.ReadByte()
	if err != nil {
		return corrupt(err)
	}
	kdf.Type = types.KDFType(t)
	if err := binary.Read(r, binary.BigEndian, &kdf.Iterations); err != nil {
		return corrupt(err)
	}
	if err := binary.Read(r, binary.BigEndian, &kdf.MemoryKB); err != nil {
		return corrupt(err)
	}
	if kdf.Parallelism, err = r.ReadByte(); err != nil {
		return corrupt(err)
	}
	return nil
}

func writePolicy(buf *bytes.Buffer, p *types.SecurityPolicy) {
	binary.Write(buf, binary.BigEndian, p.MinPasswordLength)
	writeKDF(buf, &p.KDF)
	binary.Write(buf, binary.BigEndian, p.PasswordHistoryDepth)
	if p.RequireHardware {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.WriteByte(byte(p.IdentityHashAlg))
	buf.WriteByte(p.FECRedundancy)
	buf.WriteByte(byte(p.IdentityHashAlgPrevious))
	binary.Write(buf, binary.BigEndian, p.MigrationStartedAt)
	buf.WriteByte(p.MigrationFlags)
}

func readPolicy(r *bytes.Reader, p *types.SecurityPolicy) error {
	if err := binary.Read(r, binary.BigEndian, &p.MinPasswordLength); err != nil {
		return corrupt(err)
	}
	if p.MinPasswordLength < 8 || p.MinPasswordLength > 128 {
		return fmt.Errorf("%w: min password length %d out of range",
			types.ErrFormat, p.MinPasswordLength)
	}
	if err := readKDF(r, &p.KDF); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &p.PasswordHistoryDepth); err != nil {
		return corrupt(err)
	}
	b, err := r.ReadByte()
	if err != nil {
		return corrupt(err)
	}
	p.RequireHardware = b != 0
	if b, err = r.ReadByte(); err != nil {
		return corrupt(err)
	}
	p.IdentityHashAlg = types.KDFType(b)
	if p.FECRedundancy, err = r.ReadByte(); err != nil {
		return corrupt(err)
	}

	if b, err = r.ReadByte(); err != nil {
		return corrupt(err)
	}
	p.IdentityHashAlgPrevious = types.KDFType(b)
	if p.IdentityHashAlgPrevious != 0 && !p.IdentityHashAlgPrevious.HashOnly() {
		return fmt.Errorf("%w: invalid previous identity hash algorithm 0x%02x",
			types.ErrFormat, b)
	}
	if err := binary.Read(r, binary.BigEndian, &p.MigrationStartedAt); err != nil {
		return corrupt(err)
	}
	if p.MigrationFlags, err = r.ReadByte(); err != nil {
		return corrupt(err)
	}
	// Reserved flag bits are cleared rather than rejected so files
	// written by a later release still parse.
	p.MigrationFlags &= types.MigrationFlagActive
	if !p.MigrationActive() {
		// Stale migration fields without the active flag carry no
		// meaning; drop them so the engine never consults them.
		p.IdentityHashAlgPrevious = 0
		p.MigrationStartedAt = 0
	}
	return nil
}

func writeBytesField(buf *bytes.Buffer, b []byte) error {
	if len(b) > maxFieldSize {
		return fmt.Errorf("%w: field of %d bytes exceeds maximum", types.ErrFormat, len(b))
	}
	binary.Write(buf, binary.BigEndian, uint16(len(b)))
	buf.Write(b)
	return nil
}

func readBytesField(r *bytes.Reader) ([]byte, error) {
	var size uint16
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, corrupt(err)
	}
	if size == 0 {
		return nil, nil
	}
	if int(size) > maxFieldSize || int(size) > r.Len() {
		return nil, fmt.Errorf("%w: field length %d out of range", types.ErrFormat, size)
	}
	b := make([]byte, size)
	if _, err := readFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeSlot(buf *bytes.Buffer, s *types.KeySlot) error {
	if err := writeBytesField(buf, []byte(s.Identity)); err != nil {
		return err
	}
	if err := writeBytesField(buf, s.IdentityDigest); err != nil {
		return err
	}
	buf.WriteByte(byte(s.Role))
	buf.Write(s.Salt[:])
	writeKDF(buf, &s.KDF)
	buf.Write(s.WrappedDEK[:])

	var flags byte
	if s.MustChangePassword {
		flags |= slotFlagMustChange
	}
	if s.HardwareEnrolled {
		flags |= slotFlagHardwareEnrolled
	}
	buf.WriteByte(flags)

	if err := writeBytesField(buf, s.CredentialID); err != nil {
		return err
	}
	binary.Write(buf, binary.BigEndian, s.PasswordChangedAt)
	binary.Write(buf, binary.BigEndian, s.LastLoginAt)

	binary.Write(buf, binary.BigEndian, uint16(len(s.History)))
	for i := range s.History {
		binary.Write(buf, binary.BigEndian, s.History[i].ChangedAt)
		buf.Write(s.History[i].Salt[:])
		buf.Write(s.History[i].Digest[:])
	}
	return nil
}

func readSlot(r *bytes.Reader, s *types.KeySlot) error {
	identity, err := readBytesField(r)
	if err != nil {
		return err
	}
	s.Identity = string(identity)
	if s.IdentityDigest, err = readBytesField(r); err != nil {
		return err
	}
	if s.Identity == "" && len(s.IdentityDigest) == 0 {
		return fmt.Errorf("%w: slot has no identity", types.ErrFormat)
	}

	role, err := r.ReadByte()
	if err != nil {
		return corrupt(err)
	}
	s.Role = types.UserRole(role)
	if !s.Role.Valid() {
		return fmt.Errorf("%w: invalid role 0x%02x", types.ErrFormat, role)
	}

	if _, err := readFull(r, s.Salt[:]); err != nil {
		return err
	}
	if err := readKDF(r, &s.KDF); err != nil {
		return err
	}
	if _, err := readFull(r, s.WrappedDEK[:]); err != nil {
		return err
	}

	flags, err := r.ReadByte()
	if err != nil {
		return corrupt(err)
	}
	s.MustChangePassword = flags&slotFlagMustChange != 0
	s.HardwareEnrolled = flags&slotFlagHardwareEnrolled != 0

	if s.CredentialID, err = readBytesField(r); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &s.PasswordChangedAt); err != nil {
		return corrupt(err)
	}
	if err := binary.Read(r, binary.BigEndian, &s.LastLoginAt); err != nil {
		return corrupt(err)
	}

	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return corrupt(err)
	}
	if count > maxHistoryEntries {
		return fmt.Errorf("%w: history count %d out of range", types.ErrFormat, count)
	}
	s.History = make([]types.PasswordHistoryEntry, count)
	for i := range s.History {
		if err := binary.Read(r, binary.BigEndian, &s.History[i].ChangedAt); err != nil {
			return corrupt(err)
		}
		if _, err := readFull(r, s.History[i].Salt[:]); err != nil {
			return err
		}
		if _, err := readFull(r, s.History[i].Digest[:]); err != nil {
			return err
		}
	}
	return nil
}
