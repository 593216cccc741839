// Copyright 2018 The Purple Library Authors
// This file is part of the Purple Library.
//
// The Purple Library is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The Purple Library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with the Purple Library. If not, see <http://www.gnu.org/licenses/>.

package cuckaroo

import (
	"encoding/binary"
	"math/bits"

	"golang.org/x/crypto/blake2b"
)

// Cuckaroo generates edges in blocks of 64, with the siphash state carried
// from one hash to the next inside a block and every hash but the last
// XORed with the block's last one. A single edge endpoint can therefore
// only be obtained by hashing its whole block, which is what defeats
// faster-than-trimming shortcut solvers.
const (
	edgeBlockBits = 6
	edgeBlockSize = 1 << edgeBlockBits
	edgeBlockMask = edgeBlockSize - 1
)

// sipHashKeys seeds the edge generator for one (header, nonce) graph
// instance.
type sipHashKeys [4]uint64

// newSipHashKeys derives the four siphash lanes from blake2b-256 over the
// header followed by the nonce in little-endian byte order. Solver and
// verifier share this one derivation; any divergence would make emitted
// solutions unverifiable.
func newSipHashKeys(header []byte, nonce uint64) sipHashKeys {
	buf := make([]byte, len(header)+8)
	copy(buf, header)
	binary.LittleEndian.PutUint64(buf[len(header):], nonce)
	sum := blake2b.Sum256(buf)

	var keys sipHashKeys
	for i := range keys {
		keys[i] = binary.LittleEndian.Uint64(sum[i*8:])
	}
	return keys
}

// sipHashState is a running siphash-2-4 state seeded directly from the
// graph keys.
type sipHashState struct {
	v0, v1, v2, v3 uint64
}

func newSipHashState(keys sipHashKeys) sipHashState {
	return sipHashState{keys[0], keys[1], keys[2], keys[3]}
}

func (s *sipHashState) round() {
	s.v0 += s.v1
	s.v2 += s.v3
	s.v1 = bits.RotateLeft64(s.v1, 13)
	s.v3 = bits.RotateLeft64(s.v3, 16)
	s.v1 ^= s.v0
	s.v3 ^= s.v2
	s.v0 = bits.RotateLeft64(s.v0, 32)
	s.v2 += s.v1
	s.v0 += s.v3
	s.v1 = bits.RotateLeft64(s.v1, 17)
	s.v3 = bits.RotateLeft64(s.v3, 21)
	s.v1 ^= s.v2
	s.v3 ^= s.v0
	s.v2 = bits.RotateLeft64(s.v2, 32)
}

// hash24 absorbs one edge index with 2 compression and 4 finalization
// rounds, mutating the running state.
func (s *sipHashState) hash24(nonce uint64) {
	s.v3 ^= nonce
	s.round()
	s.round()
	s.v0 ^= nonce
	s.v2 ^= 0xff
	s.round()
	s.round()
	s.round()
	s.round()
}

func (s *sipHashState) xorLanes() uint64 {
	return s.v0 ^ s.v1 ^ s.v2 ^ s.v3
}

// sipBlockFill computes the edge hashes for the whole block starting at
// blockStart (which must be 64-aligned). The low 32 bits of each hash hold
// the u endpoint, the high 32 bits the v endpoint, both still to be
// reduced by the edge mask.
func sipBlockFill(keys sipHashKeys, blockStart uint64, buf *[edgeBlockSize]uint64) {
	s := newSipHashState(keys)
	for i := uint64(0); i < edgeBlockSize; i++ {
		s.hash24(blockStart + i)
		buf[i] = s.xorLanes()
	}
	last := buf[edgeBlockMask]
	for i := 0; i < edgeBlockMask; i++ {
		buf[i] ^= last
	}
}

// sipBlock returns the edge hash for a single edge index, hashing its
// whole block. The solver generates edges block-wise with sipBlockFill
// instead; the verifier only ever needs proof-size many of these.
func sipBlock(keys sipHashKeys, edge uint64) uint64 {
	var buf [edgeBlockSize]uint64
	sipBlockFill(keys, edge&^uint64(edgeBlockMask), &buf)
	return buf[edge&edgeBlockMask]
}
