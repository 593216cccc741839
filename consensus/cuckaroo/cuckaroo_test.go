package cuckaroo

import (
	"testing"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		config Config
		want   error
	}{
		{Config{}, errEdgeBitsRange},
		{Config{EdgeBits: 3}, errEdgeBitsRange},
		{Config{EdgeBits: 32}, errEdgeBitsRange},
		{Config{EdgeBits: 12, ProofSize: 7}, errProofSizeRange},
		{Config{EdgeBits: 12, ProofSize: 2}, errProofSizeRange},
		{Config{EdgeBits: 12, TrimRounds: -1}, errTrimRounds},
		{Config{EdgeBits: 12}, nil},
		{Config{EdgeBits: MinEdgeBits, ProofSize: ProofSize}, nil},
	}
	for i, tt := range tests {
		if _, err := New(tt.config); err != tt.want {
			t.Fatalf("test %d: engine config %+v: got %v, want %v", i, tt.config, err, tt.want)
		}
		ctx, err := NewSolverCtx(tt.config)
		if err != tt.want {
			t.Fatalf("test %d: context config %+v: got %v, want %v", i, tt.config, err, tt.want)
		}
		if ctx != nil {
			ctx.Close()
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	config := Config{EdgeBits: 12}
	if err := config.sanitize(); err != nil {
		t.Fatalf("failed to sanitize config: %v", err)
	}
	if config.ProofSize != ProofSize {
		t.Fatalf("default proof size: got %d, want %d", config.ProofSize, ProofSize)
	}
	if config.TrimRounds != 48 {
		t.Fatalf("default trim rounds: got %d, want 48", config.TrimRounds)
	}
}

func TestFakeMode(t *testing.T) {
	faker := NewFaker()
	defer faker.Close()

	if !faker.Verify(nil, 0, Proof{3, 1, 2}) {
		t.Fatalf("fake engine rejected a proof")
	}
	solutions, err := faker.Search(nil, 0, 10, nil)
	if err != nil || len(solutions) != 0 {
		t.Fatalf("fake search: got %v, %v, want no solutions and no error", solutions, err)
	}
}

func TestTester(t *testing.T) {
	tester := NewTester()
	defer tester.Close()

	if got := tester.Config().ProofSize; got != 8 {
		t.Fatalf("tester proof size: got %d, want 8", got)
	}
}
