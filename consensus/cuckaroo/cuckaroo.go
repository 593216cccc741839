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

// Package cuckaroo implements the Cuckaroo cycle proof-of-work scheme: a
// solver searching a pseudorandom bipartite graph keyed by a header and
// nonce for simple cycles of a fixed length, and an independent stateless
// verifier for the resulting proofs.
package cuckaroo

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	lru "github.com/hashicorp/golang-lru"
	gopsutil "github.com/shirou/gopsutil/mem"
)

// Cuckaroo protocol constants, matching the Purple chain deployment.
const (
	// ProofSize is the protocol-fixed number of edges in a valid cycle.
	ProofSize = 42

	// MinEdgeBits and MaxEdgeBits bound the graph sizes accepted by the
	// chain-facing VerifyWithTarget. Smaller graphs remain constructible
	// for engine-level use and tests.
	MinEdgeBits = 24
	MaxEdgeBits = 31
)

// Configuration errors are fatal: no engine or solver context is ever
// produced from an invalid Config.
var (
	errEdgeBitsRange  = errors.New("edge bits out of range")
	errProofSizeRange = errors.New("proof size must be an even number of at least 4")
	errTrimRounds     = errors.New("negative trim round budget")
)

// number of recent verification results remembered by an engine
const verifiedCacheSize = 512

type Mode uint

const (
	ModeNormal Mode = iota
	ModeTest
	ModeFake
)

// Config are the configuration parameters of one graph family. The zero
// values of ProofSize and TrimRounds select protocol defaults; EdgeBits
// must always be set explicitly.
type Config struct {
	// EdgeBits is the base-2 log of the edge count (and of the node count
	// of each partition).
	EdgeBits uint8

	// ProofSize is the required cycle length. 0 selects ProofSize (42).
	ProofSize int

	// TrimRounds caps the edge-trimming iterations per solve. Trimming
	// stops earlier once a fixed point is reached. 0 selects a budget
	// proportional to EdgeBits.
	TrimRounds int

	// Threads is the worker count used by Search and Mine. 0 selects one
	// per CPU, negative disables local solving altogether.
	Threads int

	PowMode Mode
}

// sanitize validates the configuration and fills in defaults.
func (config *Config) sanitize() error {
	if config.EdgeBits < edgeBlockBits || config.EdgeBits > MaxEdgeBits {
		return errEdgeBitsRange
	}
	if config.ProofSize == 0 {
		config.ProofSize = ProofSize
	}
	// Cycles in a bipartite graph have even length.
	if config.ProofSize < 4 || config.ProofSize%2 != 0 {
		return errProofSizeRange
	}
	if config.TrimRounds < 0 {
		return errTrimRounds
	}
	if config.TrimRounds == 0 {
		config.TrimRounds = 4 * int(config.EdgeBits)
	}
	return nil
}

// Cuckaroo is a proof-of-work engine driving one solver context per worker
// thread over shared nonce ranges.
type Cuckaroo struct {
	config Config

	rand     *rand.Rand    // source of roaming start nonces for Mine
	threads  int           // solver threads for the next Search/Mine
	update   chan struct{} // notification channel for thread count changes
	hashrate metrics.Meter // meter tracking graphs searched per second

	verified *lru.Cache // recent verification verdicts, keyed by input digest

	lock      sync.Mutex // protects threads and the lazily seeded rand
	closeOnce sync.Once
}

// New creates a Cuckaroo engine. Invalid configuration aborts construction;
// a returned engine is always usable.
func New(config Config) (*Cuckaroo, error) {
	if err := config.sanitize(); err != nil {
		return nil, err
	}
	verified, err := lru.New(verifiedCacheSize)
	if err != nil {
		return nil, err
	}
	cuckaroo := &Cuckaroo{
		config:   config,
		threads:  config.Threads,
		update:   make(chan struct{}),
		hashrate: metrics.NewMeterForced(),
		verified: verified,
	}
	if mem, err := gopsutil.VirtualMemory(); err == nil {
		log.Info("Cuckaroo engine created", "edgebits", config.EdgeBits, "proofsize", config.ProofSize,
			"ctxsize", common.StorageSize(contextBytes(config.EdgeBits)), "sysmem", common.StorageSize(mem.Total))
	}
	return cuckaroo, nil
}

// NewTester creates an engine over a small graph for testing purposes.
func NewTester() *Cuckaroo {
	cuckaroo, err := New(Config{EdgeBits: 12, ProofSize: 8, PowMode: ModeTest})
	if err != nil {
		panic(err)
	}
	return cuckaroo
}

// NewFaker creates an engine that accepts any proof without checking it.
// Its Search never emits solutions, so callers still only ever observe
// proofs that pass verification.
func NewFaker() *Cuckaroo {
	return &Cuckaroo{
		config:   Config{EdgeBits: MinEdgeBits, ProofSize: ProofSize, PowMode: ModeFake},
		update:   make(chan struct{}),
		hashrate: metrics.NewMeterForced(),
	}
}

// Close releases the engine's telemetry resources. Solver contexts are
// owned by the sessions that created them and are unaffected.
func (cuckaroo *Cuckaroo) Close() error {
	cuckaroo.closeOnce.Do(func() {
		cuckaroo.hashrate.Stop()
	})
	return nil
}

// Config returns the sanitized engine configuration.
func (cuckaroo *Cuckaroo) Config() Config {
	return cuckaroo.config
}

func (cuckaroo *Cuckaroo) Threads() int {
	cuckaroo.lock.Lock()
	defer cuckaroo.lock.Unlock()

	return cuckaroo.threads
}

// SetThreads updates the worker count and pings any running search to pull
// in the change.
func (cuckaroo *Cuckaroo) SetThreads(threads int) {
	cuckaroo.lock.Lock()
	cuckaroo.threads = threads
	cuckaroo.lock.Unlock()

	select {
	case cuckaroo.update <- struct{}{}:
	default:
	}
}

// Hashrate returns the recent graphs-per-second rate across all workers.
func (cuckaroo *Cuckaroo) Hashrate() float64 {
	return cuckaroo.hashrate.Snapshot().Rate1()
}

// contextBytes estimates the scratch memory one solver context allocates
// for the given graph size.
func contextBytes(edgeBits uint8) uint64 {
	edges := uint64(1) << edgeBits
	// endpoint arrays: 8 bytes per edge; recovery forest: 16 bytes per
	// edge; degree counters: 1 byte per node; bitmap: 1 bit per edge.
	return edges*24 + edges + edges/8
}
