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
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

// Session state machine: Idle -> Running -> (Stopping) -> Idle, with
// Closed as the terminal state entered from Idle only.
const (
	stateIdle int32 = iota
	stateRunning
	stateStopping
	stateClosed
)

var (
	// ErrSessionRunning is returned when an operation requires an idle
	// context but a session is active on it.
	ErrSessionRunning = errors.New("solver context busy")

	// ErrCtxClosed is returned when starting work on a closed context.
	ErrCtxClosed = errors.New("solver context closed")
)

// longest chain followed during cycle recovery before the edge is skipped
const maxPathLen = 8192

// SolverCtx holds all working memory for one solve session: the generated
// edge endpoints, the live-edge bitmap, the degree counters used by
// trimming and the forest used by cycle recovery. A context is created
// once and reused across many nonce attempts; every solve resets it, so
// results can never leak from one solve into the next.
//
// A context is exclusively owned by one session at a time. It is not safe
// to solve on the same context from two goroutines; use one context per
// worker thread instead.
type SolverCtx struct {
	config Config

	edgeCount uint64 // edges generated per graph, 1<<EdgeBits
	edgeMask  uint64 // reduces hashes to node/edge indices

	uxs    []uint32 // u endpoint of every edge of the current graph
	vxs    []uint32 // v endpoint of every edge of the current graph
	alive  []uint64 // live-edge bitmap, one bit per edge
	degs   []uint8  // saturating node degree counters, one partition at a time
	cuckoo []uint64 // node key -> node key links of the recovery forest
	us, vs []uint64 // path scratch for cycle recovery
	live   uint64   // live edges remaining after trimming

	state  atomic.Int32
	abort  chan struct{} // closed by Stop to cancel the active session
	done   chan struct{} // closed by the session worker on exit
	lock   sync.Mutex    // serializes session lifecycle transitions
	graphs metrics.Meter // optional engine meter, marked once per nonce

	logger log.Logger
}

// NewSolverCtx allocates a fresh solver context for the configured graph
// size. All scratch buffers are allocated up front; solving performs no
// further allocations beyond the returned proofs.
func NewSolverCtx(config Config) (*SolverCtx, error) {
	if err := config.sanitize(); err != nil {
		return nil, err
	}
	edgeCount := uint64(1) << config.EdgeBits
	ctx := &SolverCtx{
		config:    config,
		edgeCount: edgeCount,
		edgeMask:  edgeCount - 1,
		uxs:       make([]uint32, edgeCount),
		vxs:       make([]uint32, edgeCount),
		alive:     make([]uint64, edgeCount/64),
		degs:      make([]uint8, edgeCount),
		cuckoo:    make([]uint64, 2*edgeCount),
		us:        make([]uint64, maxPathLen),
		vs:        make([]uint64, maxPathLen),
		done:      closedChan,
		logger:    log.New("edgebits", config.EdgeBits),
	}
	return ctx, nil
}

// Close releases all resources owned by the context. It fails with
// ErrSessionRunning while a session is active; closing an already closed
// context is a no-op.
func (ctx *SolverCtx) Close() error {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	switch {
	case ctx.state.Load() == stateClosed:
		return nil
	case !ctx.state.CompareAndSwap(stateIdle, stateClosed):
		return ErrSessionRunning
	}
	ctx.uxs, ctx.vxs = nil, nil
	ctx.alive, ctx.degs = nil, nil
	ctx.cuckoo, ctx.us, ctx.vs = nil, nil, nil
	return nil
}

// reset prepares the context for a new graph: all edges live, the
// recovery forest empty. Endpoint arrays and degree counters are fully
// overwritten by generation and trimming and need no clearing here.
func (ctx *SolverCtx) reset() {
	for i := range ctx.alive {
		ctx.alive[i] = ^uint64(0)
	}
	for i := range ctx.cuckoo {
		ctx.cuckoo[i] = 0
	}
	ctx.live = ctx.edgeCount
}

func (ctx *SolverCtx) edgeAlive(edge uint64) bool {
	return ctx.alive[edge>>6]>>(edge&63)&1 != 0
}

func (ctx *SolverCtx) killEdge(edge uint64) {
	ctx.alive[edge>>6] &^= 1 << (edge & 63)
	ctx.live--
}

// closedChan lets Wait return immediately on a context that never ran.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
