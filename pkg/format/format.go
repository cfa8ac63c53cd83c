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

// Package format implements the vault on-disk layout.
//
// Two versions coexist. Version 1 is the legacy single master password
// format:
//
//	magic "TWRV" | version=1 | iterations | salt[32] | iv[12] | payload
//
// Version 2 is the multi user key slot format:
//
//	magic "TWRV" | version=2
//	policy block
//	master salt[32] | payload iv[12]
//	slot count | key slots
//	payload flags | [fec block | raw payload]
//
// The payload is always an AEAD ciphertext with its tag appended;
// nothing in this package requires the DEK, and version detection
// reads only the first eight bytes.
package format

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/notapipeline/tower/pkg/fec"
	"github.com/notapipeline/tower/pkg/types"
)

// Magic identifies a vault file.
var Magic = [4]byte{'T', 'W', 'R', 'V'}

const (
	// VersionLegacy is the single master password format.
	VersionLegacy = 1

	// VersionMultiUser is the key slot format.
	VersionMultiUser = 2

	payloadFlagFEC = 0x01

	// maxPayloadSize bounds the parsed payload to keep a corrupted
	// length field from provoking a huge allocation.
	maxPayloadSize = 256 << 20
)

// File is the parsed (or to be serialized) representation of a vault
// file. The payload stays encrypted; decryption is the manager's job.
type File struct {
	Version uint32

	// Multi user fields (version 2).
	Policy     types.SecurityPolicy
	MasterSalt [types.SaltSize]byte
	PayloadIV  [types.IVSize]byte
	Slots      []types.KeySlot

	// Legacy fields (version 1).
	Iterations uint32

	// Ciphertext is the AEAD payload with trailing tag.
	Ciphertext []byte

	// RepairedShards is set by Parse when parity corrected corruption
	// in the payload section. It is a warning, not an error.
	RepairedShards int
}

// DetectVersion reads the magic and version without touching the rest
// of the file.
func DetectVersion(data []byte) (uint32, error) {
	if len(data) < 8 {
		return 0, fmt.Errorf("%w: file too short", types.ErrFormat)
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return 0, fmt.Errorf("%w: bad magic", types.ErrFormat)
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != VersionLegacy && version != VersionMultiUser {
		return 0, fmt.Errorf("%w: unsupported version %d", types.ErrFormat, version)
	}
	return version, nil
}

// Serialize renders f to its binary form. For version 2 files with a
// policy FEC redundancy above zero the payload section is parity
// protected.
func Serialize(f *File) ([]byte, error) {
	switch f.Version {
	case VersionLegacy:
		return serializeLegacy(f)
	case VersionMultiUser:
		return serializeMultiUser(f)
	default:
		return nil, fmt.Errorf("%w: unsupported version %d", types.ErrFormat, f.Version)
	}
}

func serializeLegacy(f *File) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.Write(Magic[:])
	binary.Write(buf, binary.BigEndian, uint32(VersionLegacy))
	binary.Write(buf, binary.BigEndian, f.Iterations)
	buf.Write(f.MasterSalt[:])
	buf.Write(f.PayloadIV[:])
	buf.Write(f.Ciphertext)
	return buf.Bytes(), nil
}

func serializeMultiUser(f *File) ([]byte, error) {
	if len(f.Slots) == 0 || len(f.Slots) > types.MaxKeySlots {
		return nil, fmt.Errorf("%w: slot count %d out of range", types.ErrFormat, len(f.Slots))
	}

	buf := &bytes.Buffer{}
	buf.Write(Magic[:])
	binary.Write(buf, binary.BigEndian, uint32(VersionMultiUser))

	writePolicy(buf, &f.Policy)
	buf.Write(f.MasterSalt[:])
	buf.Write(f.PayloadIV[:])

	binary.Write(buf, binary.BigEndian, uint16(len(f.Slots)))
	for i := range f.Slots {
		if err := writeSlot(buf, &f.Slots[i]); err != nil {
			return nil, err
		}
	}

	if f.Policy.FECRedundancy > 0 && len(f.Ciphertext) > 0 {
		enc, err := fec.Encode(f.Ciphertext, f.Policy.FECRedundancy)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrFormat, err)
		}
		buf.WriteByte(payloadFlagFEC)
		writeEncoded(buf, enc)
	} else {
		buf.WriteByte(0)
		binary.Write(buf, binary.BigEndian, uint32(len(f.Ciphertext)))
		buf.Write(f.Ciphertext)
	}

	return buf.Bytes(), nil
}

// Parse decodes a vault file. Parity correctable corruption in the
// payload section is repaired transparently and reported through
// File.RepairedShards; corruption beyond capacity, or any structural
// damage, is ErrFormat.
func Parse(data []byte) (*File, error) {
	version, err := DetectVersion(data)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(data[8:])
	f := &File{Version: version}

	if version == VersionLegacy {
		return parseLegacy(r, f)
	}
	return parseMultiUser(r, f)
}

func parseLegacy(r *bytes.Reader, f *File) (*File, error) {
	if err := binary.Read(r, binary.BigEndian, &f.Iterations); err != nil {
		return nil, corrupt(err)
	}
	if _, err := readFull(r, f.MasterSalt[:]); err != nil {
		return nil, err
	}
	if _, err := readFull(r, f.PayloadIV[:]); err != nil {
		return nil, err
	}
	f.Ciphertext = make([]byte, r.Len())
	if _, err := readFull(r, f.Ciphertext); err != nil {
		return nil, err
	}
	if len(f.Ciphertext) < types.TagSize {
		return nil, fmt.Errorf("%w: payload shorter than tag", types.ErrFormat)
	}
	return f, nil
}

func parseMultiUser(r *bytes.Reader, f *File) (*File, error) {
	if err := readPolicy(r, &f.Policy); err != nil {
		return nil, err
	}
	if _, err := readFull(r, f.MasterSalt[:]); err != nil {
		return nil, err
	}
	if _, err := readFull(r, f.PayloadIV[:]); err != nil {
		return nil, err
	}

	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, corrupt(err)
	}
	if count == 0 || count > types.MaxKeySlots {
		return nil, fmt.Errorf("%w: slot count %d out of range", types.ErrFormat, count)
	}
	f.Slots = make([]types.KeySlot, count)
	for i := range f.Slots {
		if err := readSlot(r, &f.Slots[i]); err != nil {
			return nil, err
		}
	}

	flags, err := r.ReadByte()
	if err != nil {
		return nil, corrupt(err)
	}

	if flags&payloadFlagFEC != 0 {
		enc, err := readEncoded(r)
		if err != nil {
			return nil, err
		}
		payload, repaired, err := fec.Decode(enc)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrFormat, err)
		}
		f.Ciphertext = payload
		f.RepairedShards = repaired
	} else {
		var size uint32
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return nil, corrupt(err)
		}
		if size > maxPayloadSize || int(size) > r.Len() {
			return nil, fmt.Errorf("%w: payload length %d out of range", types.ErrFormat, size)
		}
		f.Ciphertext = make([]byte, size)
		if _, err := readFull(r, f.Ciphertext); err != nil {
			return nil, err
		}
	}

	if len(f.Ciphertext) < types.TagSize {
		return nil, fmt.Errorf("%w: payload shorter than tag", types.ErrFormat)
	}
	return f, nil
}

func writeEncoded(buf *bytes.Buffer, enc *fec.Encoded) {
	binary.Write(buf, binary.BigEndian, enc.OriginalSize)
	buf.WriteByte(enc.DataShards)
	buf.WriteByte(enc.ParityShards)
	binary.Write(buf, binary.BigEndian, enc.ShardSize)
	for _, sum := range enc.Checksums {
		binary.Write(buf, binary.BigEndian, sum)
	}
	buf.Write(enc.Shards)
}

func readEncoded(r *bytes.Reader) (*fec.Encoded, error) {
	enc := &fec.Encoded{}
	if err := binary.Read(r, binary.BigEndian, &enc.OriginalSize); err != nil {
		return nil, corrupt(err)
	}
	var err error
	if enc.DataShards, err = r.ReadByte(); err != nil {
		return nil, corrupt(err)
	}
	if enc.ParityShards, err = r.ReadByte(); err != nil {
		return nil, corrupt(err)
	}
	if err := binary.Read(r, binary.BigEndian, &enc.ShardSize); err != nil {
		return nil, corrupt(err)
	}

	total := int(enc.DataShards) + int(enc.ParityShards)
	if enc.DataShards == 0 || enc.ShardSize == 0 ||
		total*int(enc.ShardSize) > maxPayloadSize || total*int(enc.ShardSize) > r.Len() {
		return nil, fmt.Errorf("%w: invalid fec geometry", types.ErrFormat)
	}

	enc.Checksums = make([]uint64, total)
	for i := range enc.Checksums {
		if err := binary.Read(r, binary.BigEndian, &enc.Checksums[i]); err != nil {
			return nil, corrupt(err)
		}
	}
	enc.Shards = make([]byte, total*int(enc.ShardSize))
	if _, err := readFull(r, enc.Shards); err != nil {
		return nil, err
	}
	return enc, nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n, err := r.Read(b)
	if err != nil || n != len(b) {
		return n, fmt.Errorf("%w: truncated file", types.ErrFormat)
	}
	return n, nil
}

func corrupt(err error) error {
	return fmt.Errorf("%w: %v", types.ErrFormat, err)
}
