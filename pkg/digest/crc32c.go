// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package digest wraps the CRC32C primitive the queue engine relies on
// for header/data digests, as an injected interface (spec.md §1 treats
// the CRC primitive as an external collaborator, not core logic).
package digest

import "hash/crc32"

// CRC32C computes the Castagnoli CRC32 used by NVMe-over-TCP header
// and data digests. It is deliberately a narrow interface so a
// hardware-accelerated implementation can be swapped in without
// touching the framing or queue code.
type CRC32C interface {
	// Sum returns the 4-byte little-endian CRC32C of data.
	Sum(data []byte) [4]byte
}

type stdlibCRC32C struct {
	table *crc32.Table
}

// NewStdlib returns the default CRC32C implementation, built on
// hash/crc32's Castagnoli table. See DESIGN.md for why this stays on
// the standard library rather than a third-party accelerated package.
func NewStdlib() CRC32C {
	return &stdlibCRC32C{table: crc32.MakeTable(crc32.Castagnoli)}
}

func (s *stdlibCRC32C) Sum(data []byte) [4]byte {
	v := crc32.Checksum(data, s.table)
	return [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// Streaming accumulates a CRC32C over successive chunks, used to
// compute a data digest incrementally as payload pages arrive/depart
// without buffering the whole transfer twice.
type Streaming struct {
	table *crc32.Table
	state uint32
}

// NewStreaming starts a new incremental CRC32C accumulation.
func NewStreaming() *Streaming {
	return &Streaming{table: crc32.MakeTable(crc32.Castagnoli)}
}

// Write folds p into the running checksum.
func (s *Streaming) Write(p []byte) (int, error) {
	s.state = crc32.Update(s.state, s.table, p)
	return len(p), nil
}

// Sum32 returns the 4-byte little-endian digest accumulated so far.
func (s *Streaming) Sum32() [4]byte {
	v := s.state
	return [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// Reset clears accumulated state for reuse across commands.
func (s *Streaming) Reset() {
	s.state = 0
}
