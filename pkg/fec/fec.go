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

// Package fec provides forward error correction for vault file
// sections. Data is striped across a fixed number of Reed-Solomon data
// shards plus a redundancy dependent number of parity shards, with an
// xxhash checksum per shard. On decode, shards whose checksum fails
// are treated as erasures and reconstructed from the survivors, so
// limited bit level corruption is repaired without a backup.
package fec

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/reedsolomon"
)

const (
	// MinRedundancy and MaxRedundancy bound the parity percentage.
	MinRedundancy = 5
	MaxRedundancy = 50

	// DataShards is the fixed stripe width. Sixteen keeps shards
	// usefully small for typical vault sizes while leaving room for
	// up to eight parity shards at maximum redundancy.
	DataShards = 16
)

var (
	// ErrRedundancy is returned for a redundancy outside [5, 50].
	ErrRedundancy = errors.New("fec: redundancy must be between 5 and 50 percent")

	// ErrTooCorrupted is returned when more shards fail their
	// checksum than parity can reconstruct.
	ErrTooCorrupted = errors.New("fec: corruption exceeds parity capacity")

	// ErrInvalid is returned for empty input or a malformed block.
	ErrInvalid = errors.New("fec: invalid data")
)

// Encoded is a parity protected block. Shards holds all data and
// parity shards concatenated in order, each ShardSize bytes.
type Encoded struct {
	OriginalSize uint32
	DataShards   uint8
	ParityShards uint8
	ShardSize    uint32
	Checksums    []uint64
	Shards       []byte
}

// ParityShards returns the parity shard count for a stripe of data
// shards at the given redundancy percentage, always at least one.
func parityShards(data int, redundancy uint8) int {
	parity := (data*int(redundancy) + 99) / 100
	if parity < 1 {
		parity = 1
	}
	return parity
}

// Encode stripes data across DataShards shards and appends parity
// computed at the requested redundancy percentage.
func Encode(data []byte, redundancy uint8) (*Encoded, error) {
	if len(data) == 0 {
		return nil, ErrInvalid
	}
	if redundancy < MinRedundancy || redundancy > MaxRedundancy {
		return nil, ErrRedundancy
	}

	parity := parityShards(DataShards, redundancy)
	shardSize := (len(data) + DataShards - 1) / DataShards
	total := DataShards + parity

	enc, err := reedsolomon.New(DataShards, parity)
	if err != nil {
		return nil, fmt.Errorf("fec: %w", err)
	}

	buf := make([]byte, total*shardSize)
	copy(buf, data)

	shards := make([][]byte, total)
	for i := range shards {
		shards[i] = buf[i*shardSize : (i+1)*shardSize]
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("fec: %w", err)
	}

	checksums := make([]uint64, total)
	for i, shard := range shards {
		checksums[i] = xxhash.Sum64(shard)
	}

	return &Encoded{
		OriginalSize: uint32(len(data)),
		DataShards:   DataShards,
		ParityShards: uint8(parity),
		ShardSize:    uint32(shardSize),
		Checksums:    checksums,
		Shards:       buf,
	}, nil
}

// Decode verifies every shard checksum, reconstructs any that fail
// from parity, and returns the original data together with the number
// of shards that had to be repaired. Corruption beyond the parity
// capacity yields ErrTooCorrupted.
func Decode(enc *Encoded) ([]byte, int, error) {
	if enc == nil || enc.DataShards == 0 || enc.ShardSize == 0 {
		return nil, 0, ErrInvalid
	}
	total := int(enc.DataShards) + int(enc.ParityShards)
	if len(enc.Checksums) != total || len(enc.Shards) != total*int(enc.ShardSize) {
		return nil, 0, ErrInvalid
	}
	if enc.OriginalSize > uint32(int(enc.DataShards)*int(enc.ShardSize)) {
		return nil, 0, ErrInvalid
	}

	shards := make([][]byte, total)
	repaired := 0
	for i := 0; i < total; i++ {
		shard := enc.Shards[i*int(enc.ShardSize) : (i+1)*int(enc.ShardSize)]
		if xxhash.Sum64(shard) == enc.Checksums[i] {
			shards[i] = shard
			continue
		}
		// Checksum mismatch: mark as erasure for reconstruction.
		shards[i] = nil
		repaired++
	}

	if repaired > int(enc.ParityShards) {
		return nil, repaired, ErrTooCorrupted
	}

	if repaired > 0 {
		dec, err := reedsolomon.New(int(enc.DataShards), int(enc.ParityShards))
		if err != nil {
			return nil, repaired, fmt.Errorf("fec: %w", err)
		}
		if err := dec.Reconstruct(shards); err != nil {
			return nil, repaired, ErrTooCorrupted
		}
		for i := 0; i < total; i++ {
			if xxhash.Sum64(shards[i]) != enc.Checksums[i] {
				return nil, repaired, ErrTooCorrupted
			}
		}
	}

	data := make([]byte, 0, enc.OriginalSize)
	for i := 0; i < int(enc.DataShards) && len(data) < int(enc.OriginalSize); i++ {
		data = append(data, shards[i]...)
	}
	return data[:enc.OriginalSize], repaired, nil
}
