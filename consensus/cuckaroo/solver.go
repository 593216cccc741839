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

// Solve searches the graph keyed by (header, nonce) for simple cycles of
// exactly the configured proof size and returns every one found. An empty
// result with a nil error is the expected outcome for the overwhelming
// majority of nonces. Every returned proof has already passed VerifyProof.
//
// Solve requires an idle context; it fails with ErrSessionRunning while a
// session started with Start is active and with ErrCtxClosed after Close.
func (ctx *SolverCtx) Solve(header []byte, nonce uint64) ([]Proof, error) {
	if !ctx.state.CompareAndSwap(stateIdle, stateRunning) {
		if ctx.state.Load() == stateClosed {
			return nil, ErrCtxClosed
		}
		return nil, ErrSessionRunning
	}
	defer ctx.state.Store(stateIdle)
	return ctx.solve(header, nonce, nil), nil
}

// solve runs one full generate/trim/recover pass. A nil abort channel
// disables cancellation.
func (ctx *SolverCtx) solve(header []byte, nonce uint64, abort <-chan struct{}) []Proof {
	keys := newSipHashKeys(header, nonce)
	ctx.reset()
	if !ctx.generate(keys, abort) {
		return nil
	}
	if !ctx.trim(abort) {
		return nil
	}
	if ctx.live == 0 {
		return nil
	}
	return ctx.recoverCycles(header, nonce, abort)
}

// generate derives the endpoints of every edge of the graph, one siphash
// block at a time.
func (ctx *SolverCtx) generate(keys sipHashKeys, abort <-chan struct{}) bool {
	var buf [edgeBlockSize]uint64
	mask := ctx.edgeMask
	for block := uint64(0); block < ctx.edgeCount; block += edgeBlockSize {
		if block&(1<<17-1) == 0 && aborted(abort) {
			return false
		}
		sipBlockFill(keys, block, &buf)
		for i := uint64(0); i < edgeBlockSize; i++ {
			hash := buf[i]
			ctx.uxs[block+i] = uint32(hash & mask)
			ctx.vxs[block+i] = uint32(hash >> 32 & mask)
		}
	}
	return true
}

// trim repeatedly removes edges with an endpoint of degree below 2; such
// edges cannot lie on any cycle. It stops at a fixed point or when the
// round budget is exhausted, whichever comes first.
func (ctx *SolverCtx) trim(abort <-chan struct{}) bool {
	for round := 0; round < ctx.config.TrimRounds; round++ {
		if aborted(abort) {
			return false
		}
		removed := ctx.trimSide(ctx.uxs) + ctx.trimSide(ctx.vxs)
		if removed == 0 {
			break
		}
	}
	return true
}

// trimSide counts the live degree of every node of one partition, then
// kills the edges whose endpoint in that partition has degree below 2.
func (ctx *SolverCtx) trimSide(ends []uint32) uint64 {
	degs := ctx.degs
	for i := range degs {
		degs[i] = 0
	}
	for edge := uint64(0); edge < ctx.edgeCount; edge++ {
		if !ctx.edgeAlive(edge) {
			continue
		}
		if d := degs[ends[edge]]; d < 2 {
			degs[ends[edge]] = d + 1
		}
	}
	var removed uint64
	for edge := uint64(0); edge < ctx.edgeCount; edge++ {
		if ctx.edgeAlive(edge) && degs[ends[edge]] < 2 {
			ctx.killEdge(edge)
			removed++
		}
	}
	return removed
}

// Cycle recovery inserts the surviving edges into a forest, linking the
// two partitions' nodes through lane-tagged keys. An edge whose endpoints
// already share a root closes a cycle; its length is the distance between
// the endpoints through their lowest common ancestor plus one.
//
// Node keys are 2*node+lane with lanes 1 and 2, keeping 0 free as the
// empty-slot marker of the forest array. Keys are uint64: at the largest
// supported graphs the v-lane key of the top node needs 33 bits, and a
// 32-bit wrap would alias the empty marker.

func uKey(node uint32) uint64 {
	return uint64(node)<<1 + 1
}

func vKey(node uint32) uint64 {
	return uint64(node)<<1 + 2
}

// keyNode recovers the node index from a lane-tagged key of either lane.
func keyNode(key uint64) uint64 {
	return (key - 1) >> 1
}

func (ctx *SolverCtx) recoverCycles(header []byte, nonce uint64, abort <-chan struct{}) []Proof {
	var proofs []Proof
	us, vs := ctx.us, ctx.vs
	for edge := uint64(0); edge < ctx.edgeCount; edge++ {
		if !ctx.edgeAlive(edge) {
			continue
		}
		if edge&0xffff == 0 && aborted(abort) {
			return proofs
		}
		u0 := uKey(ctx.uxs[edge])
		v0 := vKey(ctx.vxs[edge])
		nu, oku := ctx.path(u0, us)
		nv, okv := ctx.path(v0, vs)
		if !oku || !okv {
			continue
		}
		if us[nu] == vs[nv] {
			// Common root: this edge closes a cycle. Walk both paths to
			// their lowest common ancestor to get the cycle length.
			min := nu
			if nv < min {
				min = nv
			}
			nu -= min
			nv -= min
			for us[nu] != vs[nv] {
				nu++
				nv++
			}
			if length := nu + nv + 1; length == ctx.config.ProofSize {
				if proof := ctx.solution(us[:nu+1], vs[:nv+1]); proof != nil {
					if VerifyProof(header, nonce, proof, ctx.config.ProofSize, ctx.config.EdgeBits) {
						proofs = append(proofs, proof)
					} else {
						ctx.logger.Error("Recovered cuckaroo cycle failed verification", "nonce", nonce)
					}
				}
			}
			// The closing edge joins two nodes already connected; leave
			// the forest unchanged so later cycles are still found.
			continue
		}
		// No cycle: reverse the shorter path and graft it onto the other
		// tree through the new edge.
		if nu < nv {
			for nu > 0 {
				ctx.cuckoo[us[nu]-1] = us[nu-1]
				nu--
			}
			ctx.cuckoo[u0-1] = v0
		} else {
			for nv > 0 {
				ctx.cuckoo[vs[nv]-1] = vs[nv-1]
				nv--
			}
			ctx.cuckoo[v0-1] = u0
		}
	}
	return proofs
}

// path follows forest links from start, recording the visited keys into
// buf and returning the index of the root. Chains longer than the scratch
// buffer are reported as not ok and their edge is skipped.
func (ctx *SolverCtx) path(start uint64, buf []uint64) (int, bool) {
	n := 0
	buf[0] = start
	for next := ctx.cuckoo[start-1]; next != 0; next = ctx.cuckoo[next-1] {
		n++
		if n >= maxPathLen {
			return 0, false
		}
		buf[n] = next
	}
	return n, true
}

// solution turns a detected cycle into a canonical proof. The cycle is
// known only as node pairs, so the live edges are rescanned in ascending
// index order and matched against those pairs; parallel edges between the
// same pair are represented by the lowest matching index.
func (ctx *SolverCtx) solution(us, vs []uint64) Proof {
	proofSize := ctx.config.ProofSize
	cycle := make(map[uint64]struct{}, proofSize)
	cycle[edgeKey(us[0], vs[0])] = struct{}{}
	for k := 0; k < len(us)-1; k++ {
		// path entries alternate lanes, with us[0] on the u side
		if k&1 == 0 {
			cycle[edgeKey(us[k], us[k+1])] = struct{}{}
		} else {
			cycle[edgeKey(us[k+1], us[k])] = struct{}{}
		}
	}
	for k := 0; k < len(vs)-1; k++ {
		// vs[0] is on the v side, so the lanes are swapped
		if k&1 == 0 {
			cycle[edgeKey(vs[k+1], vs[k])] = struct{}{}
		} else {
			cycle[edgeKey(vs[k], vs[k+1])] = struct{}{}
		}
	}
	proof := make(Proof, 0, proofSize)
	for edge := uint64(0); edge < ctx.edgeCount && len(proof) < proofSize; edge++ {
		if !ctx.edgeAlive(edge) {
			continue
		}
		key := edgeKey(uKey(ctx.uxs[edge]), vKey(ctx.vxs[edge]))
		if _, ok := cycle[key]; ok {
			delete(cycle, key)
			proof = append(proof, edge)
		}
	}
	if len(proof) != proofSize {
		return nil
	}
	return proof
}

// edgeKey identifies an edge by its node pair, u side in the high half.
func edgeKey(uk, vk uint64) uint64 {
	return keyNode(uk)<<32 | keyNode(vk)
}

func aborted(abort <-chan struct{}) bool {
	if abort == nil {
		return false
	}
	select {
	case <-abort:
		return true
	default:
		return false
	}
}
