package cuckaroo

import (
	"reflect"
	"testing"
)

// small graph parameters used throughout the tests: 8-cycles show up in
// roughly one of eight graphs, so modest nonce ranges reliably find some
var testConfig = Config{EdgeBits: 12, ProofSize: 8, PowMode: ModeTest}

func TestSolverVerifierRoundTrip(t *testing.T) {
	rng := uint64(256)
	if testing.Short() {
		rng = 64
	}
	ctx, err := NewSolverCtx(testConfig)
	if err != nil {
		t.Fatalf("failed to create solver context: %v", err)
	}
	defer ctx.Close()

	header := make([]byte, 32)
	found := 0
	for nonce := uint64(0); nonce < rng; nonce++ {
		proofs, err := ctx.Solve(header, nonce)
		if err != nil {
			t.Fatalf("nonce %d: solve failed: %v", nonce, err)
		}
		for _, proof := range proofs {
			found++
			if len(proof) != testConfig.ProofSize {
				t.Fatalf("nonce %d: proof has %d edges, want %d", nonce, len(proof), testConfig.ProofSize)
			}
			for i := 1; i < len(proof); i++ {
				if proof[i] <= proof[i-1] {
					t.Fatalf("nonce %d: proof not in strictly increasing order: %v", nonce, proof)
				}
			}
			if !VerifyProof(header, nonce, proof, testConfig.ProofSize, testConfig.EdgeBits) {
				t.Fatalf("nonce %d: emitted proof fails verification: %v", nonce, proof)
			}
		}
	}
	if found == 0 && !testing.Short() {
		t.Fatalf("no %d-cycles found in %d graphs", testConfig.ProofSize, rng)
	}
	t.Log("solutions found:", found)
}

func TestContextReuse(t *testing.T) {
	header := []byte("purple context reuse")
	shared, err := NewSolverCtx(testConfig)
	if err != nil {
		t.Fatalf("failed to create solver context: %v", err)
	}
	defer shared.Close()

	for _, nonce := range []uint64{3, 7, 11, 19} {
		fresh, err := NewSolverCtx(testConfig)
		if err != nil {
			t.Fatalf("failed to create solver context: %v", err)
		}
		want, err := fresh.Solve(header, nonce)
		if err != nil {
			t.Fatalf("nonce %d: fresh solve failed: %v", nonce, err)
		}
		fresh.Close()

		got, err := shared.Solve(header, nonce)
		if err != nil {
			t.Fatalf("nonce %d: reused solve failed: %v", nonce, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("nonce %d: reused context diverges from fresh one: got %v, want %v", nonce, got, want)
		}
	}
}

func TestSolveRareCycleLength(t *testing.T) {
	// 42-cycles in a 1024-edge graph are rare; the common outcome is an
	// empty result, returned without error and without malformed proofs.
	ctx, err := NewSolverCtx(Config{EdgeBits: 10, ProofSize: 42})
	if err != nil {
		t.Fatalf("failed to create solver context: %v", err)
	}
	defer ctx.Close()

	header := make([]byte, 32)
	for nonce := uint64(0); nonce < 20; nonce++ {
		proofs, err := ctx.Solve(header, nonce)
		if err != nil {
			t.Fatalf("nonce %d: solve failed: %v", nonce, err)
		}
		for _, proof := range proofs {
			if !VerifyProof(header, nonce, proof, 42, 10) {
				t.Fatalf("nonce %d: emitted proof fails verification: %v", nonce, proof)
			}
		}
	}
}

func TestSolveMisuse(t *testing.T) {
	ctx, err := NewSolverCtx(Config{EdgeBits: 14, ProofSize: 8})
	if err != nil {
		t.Fatalf("failed to create solver context: %v", err)
	}
	header := []byte("purple solve misuse")

	results := make(chan Solution, 4)
	if err := ctx.Start(header, 0, 1<<40, results); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	if _, err := ctx.Solve(header, 0); err != ErrSessionRunning {
		t.Fatalf("solve on running context: got %v, want %v", err, ErrSessionRunning)
	}
	ctx.Stop()
	ctx.Wait()
	if err := ctx.Close(); err != nil {
		t.Fatalf("failed to close context: %v", err)
	}
	if _, err := ctx.Solve(header, 0); err != ErrCtxClosed {
		t.Fatalf("solve on closed context: got %v, want %v", err, ErrCtxClosed)
	}
}

func TestForestKeysLargestGraph(t *testing.T) {
	// the v-lane key of the top node of a 2^31-edge graph needs 33 bits;
	// neither lane may collide with the forest's empty-slot marker
	top := uint32(1)<<31 - 1
	if uKey(top) == 0 || vKey(top) == 0 {
		t.Fatalf("top node key collides with the empty-slot marker: u %#x, v %#x", uKey(top), vKey(top))
	}
	if uKey(top) == vKey(top) {
		t.Fatalf("lane keys collide for node %#x", top)
	}
	if got := vKey(top); got != 1<<32 {
		t.Fatalf("v key of top node: got %#x, want %#x", got, uint64(1)<<32)
	}
	for _, node := range []uint32{0, 1, 4095, top} {
		if keyNode(uKey(node)) != uint64(node) || keyNode(vKey(node)) != uint64(node) {
			t.Fatalf("node %d does not round-trip through its lane keys", node)
		}
	}
}

func TestZeroHeaderScenario(t *testing.T) {
	// 32 zero bytes, nonce 0, protocol proof size, a bounded range: the
	// run must terminate and every reported proof must verify on its own.
	rng := uint64(1000)
	if testing.Short() {
		rng = 100
	}
	ctx, err := NewSolverCtx(Config{EdgeBits: 11, ProofSize: ProofSize})
	if err != nil {
		t.Fatalf("failed to create solver context: %v", err)
	}
	defer ctx.Close()

	header := make([]byte, 32)
	results := make(chan Solution, 16)
	var solutions []Solution
	collected := make(chan struct{})
	go func() {
		for sol := range results {
			solutions = append(solutions, sol)
		}
		close(collected)
	}()

	if err := ctx.Start(header, 0, rng, results); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	ctx.Wait()
	close(results)
	<-collected

	last := uint64(0)
	for _, sol := range solutions {
		if sol.Nonce < last {
			t.Fatalf("solutions not in nonce-ascending order: %d after %d", sol.Nonce, last)
		}
		last = sol.Nonce
		if !VerifyProof(header, sol.Nonce, sol.Proof, ProofSize, 11) {
			t.Fatalf("nonce %d: reported proof fails verification: %v", sol.Nonce, sol.Proof)
		}
	}
	t.Log("solutions found:", len(solutions))
}
