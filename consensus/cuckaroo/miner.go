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
	crand "crypto/rand"
	"math"
	"math/big"
	"math/rand"
	"runtime"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// Solution pairs a found proof with the nonce it was found at.
type Solution struct {
	Nonce uint64
	Proof Proof
}

// StopStatus reports what Stop actually did.
type StopStatus int

const (
	// StopStatusStopped means a running session was told to stop. The
	// request is asynchronous: the worker exits at its next poll point,
	// confirmed through Wait.
	StopStatusStopped StopStatus = iota

	// StopStatusIdle means no session was active on the context.
	StopStatusIdle
)

// Start begins a mining session on the context, iterating nonces from
// nonce to nonce+rng on a dedicated worker goroutine. Found solutions are
// delivered through results in nonce-ascending order. The handoff is
// non-blocking; the session ends when the range is exhausted or Stop is
// called, observable through Wait.
//
// Starting a context that is already running fails with ErrSessionRunning.
func (ctx *SolverCtx) Start(header []byte, nonce, rng uint64, results chan<- Solution) error {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	switch ctx.state.Load() {
	case stateClosed:
		return ErrCtxClosed
	case stateIdle:
	default:
		return ErrSessionRunning
	}
	header = append([]byte(nil), header...) // callers may reuse their buffer
	abort := make(chan struct{})
	done := make(chan struct{})
	ctx.abort, ctx.done = abort, done
	ctx.state.Store(stateRunning)

	go func() {
		defer func() {
			ctx.state.Store(stateIdle)
			close(done)
		}()
		ctx.searchRange(header, nonce, rng, results, abort, ctx.logger)
	}()
	return nil
}

// Stop requests cooperative cancellation of the active session. It returns
// StopStatusStopped when a running session was signalled and StopStatusIdle
// when there was nothing to stop (including a session already stopping).
func (ctx *SolverCtx) Stop() StopStatus {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	if !ctx.state.CompareAndSwap(stateRunning, stateStopping) {
		return StopStatusIdle
	}
	close(ctx.abort)
	return StopStatusStopped
}

// Wait blocks until the current session's worker has exited. It returns
// immediately on a context that is not running.
func (ctx *SolverCtx) Wait() {
	ctx.lock.Lock()
	done := ctx.done
	ctx.lock.Unlock()
	<-done
}

// searchRange is the session loop shared by context sessions and engine
// workers. Cancellation is polled between nonces and, through solve,
// between the trimming rounds of each graph.
func (ctx *SolverCtx) searchRange(header []byte, nonce, rng uint64, results chan<- Solution, abort <-chan struct{}, logger log.Logger) {
	if rng > math.MaxUint64-nonce {
		rng = math.MaxUint64 - nonce // nonces must not wrap
	}
	logger.Trace("Started cuckaroo search", "start", nonce, "range", rng)
	var attempts int64
	for n := uint64(0); n < rng; n++ {
		if aborted(abort) {
			logger.Trace("Cuckaroo search aborted", "attempts", attempts)
			return
		}
		attempts++
		if ctx.graphs != nil {
			ctx.graphs.Mark(1)
		}
		for _, proof := range ctx.solve(header, nonce+n, abort) {
			select {
			case results <- Solution{Nonce: nonce + n, Proof: proof}:
				logger.Trace("Cuckaroo solution found and reported", "nonce", nonce+n)
			case <-abort:
				logger.Trace("Cuckaroo solution found but discarded", "nonce", nonce+n)
				return
			}
		}
	}
	logger.Trace("Cuckaroo search exhausted range", "attempts", attempts)
}

// Search runs the solver over [nonce, nonce+rng) with one solver context
// per worker thread and returns every solution found, sorted by nonce.
// Closing stop cancels the search and returns whatever was found so far.
func (cuckaroo *Cuckaroo) Search(header []byte, nonce, rng uint64, stop <-chan struct{}) ([]Solution, error) {
	if cuckaroo.config.PowMode == ModeFake || rng == 0 {
		return nil, nil
	}
	threads := cuckaroo.Threads()
	if threads == 0 {
		threads = runtime.NumCPU()
	}
	if threads < 0 {
		return nil, nil // local solving disabled
	}
	if rng > math.MaxUint64-nonce {
		rng = math.MaxUint64 - nonce
	}
	if uint64(threads) > rng {
		threads = int(rng)
	}

	var (
		abort   = make(chan struct{})
		results = make(chan Solution, threads)
		pend    sync.WaitGroup
	)
	chunk, extra := rng/uint64(threads), rng%uint64(threads)
	start := nonce
	for i := 0; i < threads; i++ {
		span := chunk
		if uint64(i) < extra {
			span++
		}
		ctx, err := NewSolverCtx(cuckaroo.config)
		if err != nil {
			close(abort)
			pend.Wait()
			return nil, err
		}
		ctx.graphs = cuckaroo.hashrate
		pend.Add(1)
		go func(id int, ctx *SolverCtx, start, span uint64) {
			defer pend.Done()
			defer ctx.Close()
			ctx.searchRange(header, start, span, results, abort, log.New("miner", id))
		}(i, ctx, start, span)
		start += span
	}

	var solutions []Solution
	waitCh := make(chan struct{})
	go func() {
		pend.Wait()
		close(waitCh)
	}()
	for {
		select {
		case sol := <-results:
			solutions = append(solutions, sol)
		case <-stop:
			close(abort)
			<-waitCh
			return sortedSolutions(drain(solutions, results)), nil
		case <-cuckaroo.update:
			// Thread count was changed, restart the search to pick it up.
			close(abort)
			<-waitCh
			drain(nil, results)
			return cuckaroo.Search(header, nonce, rng, stop)
		case <-waitCh:
			return sortedSolutions(drain(solutions, results)), nil
		}
	}
}

// Mine searches from random start nonces until a first solution is found
// or stop is closed, mirroring the block-sealing use of the engine.
func (cuckaroo *Cuckaroo) Mine(header []byte, stop <-chan struct{}) (*Solution, error) {
	if cuckaroo.config.PowMode == ModeFake {
		return nil, nil
	}
	cuckaroo.lock.Lock()
	if cuckaroo.rand == nil {
		seed, err := crand.Int(crand.Reader, big.NewInt(math.MaxInt64))
		if err != nil {
			cuckaroo.lock.Unlock()
			return nil, err
		}
		cuckaroo.rand = rand.New(rand.NewSource(seed.Int64()))
	}
	threads := cuckaroo.threads
	cuckaroo.lock.Unlock()
	if threads == 0 {
		threads = runtime.NumCPU()
	}
	if threads < 0 {
		return nil, nil
	}

	var (
		abort = make(chan struct{})
		found = make(chan Solution, threads)
		pend  sync.WaitGroup
	)
	for i := 0; i < threads; i++ {
		ctx, err := NewSolverCtx(cuckaroo.config)
		if err != nil {
			close(abort)
			pend.Wait()
			return nil, err
		}
		ctx.graphs = cuckaroo.hashrate
		cuckaroo.lock.Lock()
		seed := cuckaroo.rand.Uint64()
		cuckaroo.lock.Unlock()
		pend.Add(1)
		go func(id int, ctx *SolverCtx, seed uint64) {
			defer pend.Done()
			defer ctx.Close()
			ctx.searchRange(header, seed, math.MaxUint64, found, abort, log.New("miner", id))
		}(i, ctx, seed)
	}

	var result *Solution
	select {
	case sol := <-found:
		result = &sol
		close(abort)
	case <-stop:
		close(abort)
	case <-cuckaroo.update:
		close(abort)
		pend.Wait()
		return cuckaroo.Mine(header, stop)
	}
	pend.Wait()
	return result, nil
}

// drain empties whatever the workers managed to deliver before exiting.
func drain(solutions []Solution, results <-chan Solution) []Solution {
	for {
		select {
		case sol := <-results:
			solutions = append(solutions, sol)
		default:
			return solutions
		}
	}
}

func sortedSolutions(solutions []Solution) []Solution {
	sort.Slice(solutions, func(i, j int) bool {
		if solutions[i].Nonce != solutions[j].Nonce {
			return solutions[i].Nonce < solutions[j].Nonce
		}
		a, b := solutions[i].Proof, solutions[j].Proof
		for k := 0; k < len(a) && k < len(b); k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return len(a) < len(b)
	})
	return solutions
}
