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
	"errors"
	"math/bits"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Chain-facing verification errors, in the order VerifyWithTarget checks
// for them.
var (
	ErrInvalidProofLength  = errors.New("invalid proof length")
	ErrUnsupportedEdgeBits = errors.New("unsupported edge bits")
	ErrLowDifficulty       = errors.New("proof difficulty below target")
	ErrInvalidProof        = errors.New("invalid proof-of-work")
)

// Proof is an ordered sequence of edge indices claimed to form one simple
// cycle. A canonical proof lists its indices in strictly increasing order.
type Proof []uint64

// Hash returns the keccak-256 digest of the proof's edge indices in
// big-endian encoding. It identifies a solution on the wire and is the
// basis of its difficulty.
func (p Proof) Hash() common.Hash {
	return common.BytesToHash(crypto.Keccak256(p.bytes()))
}

// Difficulty counts the leading zero bits of the proof hash, saturating
// at 255.
func (p Proof) Difficulty() uint8 {
	hash := p.Hash()
	zeros := 0
	for _, b := range hash {
		if b == 0 {
			zeros += 8
			continue
		}
		zeros += bits.LeadingZeros8(b)
		break
	}
	if zeros > 255 {
		zeros = 255
	}
	return uint8(zeros)
}

func (p Proof) bytes() []byte {
	buf := make([]byte, len(p)*8)
	for i, edge := range p {
		binary.BigEndian.PutUint64(buf[i*8:], edge)
	}
	return buf
}

// VerifyProof reports whether proof is a simple cycle of exactly proofSize
// edges in the graph keyed by (header, nonce). It recomputes each proof
// edge with the same generator the solver uses and is safe to call with
// adversarial input: any malformed proof yields false, never a panic.
func VerifyProof(header []byte, nonce uint64, proof Proof, proofSize int, edgeBits uint8) bool {
	if proofSize < 4 || proofSize%2 != 0 || len(proof) != proofSize {
		return false
	}
	if edgeBits < edgeBlockBits || edgeBits > MaxEdgeBits {
		return false
	}
	var (
		keys     = newSipHashKeys(header, nonce)
		edgeMask = uint64(1)<<edgeBits - 1
		uvs      = make([]uint64, 2*proofSize)
		xor0     uint64
		xor1     uint64
	)
	for n, edge := range proof {
		if edge > edgeMask {
			return false
		}
		if n > 0 && edge <= proof[n-1] {
			return false
		}
		hash := sipBlock(keys, edge)
		uvs[2*n] = hash & edgeMask
		uvs[2*n+1] = hash >> 32 & edgeMask
		xor0 ^= uvs[2*n]
		xor1 ^= uvs[2*n+1]
	}
	// Every node on a cycle is visited exactly twice, so the endpoints of
	// each partition must cancel out.
	if xor0|xor1 != 0 {
		return false
	}
	// Follow the cycle: from each node position find the single other
	// position holding the same node, then hop to that edge's opposite
	// endpoint.
	n, i := 0, 0
	for {
		j := i
		for k := (i + 2) % (2 * proofSize); k != i; k = (k + 2) % (2 * proofSize) {
			if uvs[k] == uvs[i] {
				if j != i {
					return false // branch: node visited more than twice
				}
				j = k
			}
		}
		if j == i {
			return false // dead end: node visited only once
		}
		i = j ^ 1
		n++
		if i == 0 {
			break // back at the first edge
		}
	}
	return n == proofSize
}

// VerifyWithTarget checks a chain proof: protocol proof size, supported
// graph size, the difficulty target and finally the cycle itself. This is
// the verification surface consensus code calls.
func VerifyWithTarget(header []byte, nonce uint64, targetDifficulty uint8, proof Proof, edgeBits uint8) error {
	if len(proof) != ProofSize {
		return ErrInvalidProofLength
	}
	if edgeBits < MinEdgeBits || edgeBits > MaxEdgeBits {
		return ErrUnsupportedEdgeBits
	}
	if proof.Difficulty() < targetDifficulty {
		return ErrLowDifficulty
	}
	if !VerifyProof(header, nonce, proof, ProofSize, edgeBits) {
		return ErrInvalidProof
	}
	return nil
}

// Verify checks a proof against the engine's configuration, remembering
// recent verdicts so repeated submissions of the same solution are cheap.
func (cuckaroo *Cuckaroo) Verify(header []byte, nonce uint64, proof Proof) bool {
	if cuckaroo.config.PowMode == ModeFake {
		return true
	}
	key := verifyCacheKey(header, nonce, proof)
	if verdict, ok := cuckaroo.verified.Get(key); ok {
		return verdict.(bool)
	}
	ok := VerifyProof(header, nonce, proof, cuckaroo.config.ProofSize, cuckaroo.config.EdgeBits)
	cuckaroo.verified.Add(key, ok)
	return ok
}

func verifyCacheKey(header []byte, nonce uint64, proof Proof) common.Hash {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	return common.BytesToHash(crypto.Keccak256(header, nonceBytes[:], proof.bytes()))
}
