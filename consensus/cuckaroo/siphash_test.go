package cuckaroo

// go test ./consensus/cuckaroo -v -cover

import (
	"testing"
)

func TestSipHashKeysDeterminism(t *testing.T) {
	header := make([]byte, 32)
	keys := newSipHashKeys(header, 0)
	if keys != newSipHashKeys(header, 0) {
		t.Fatalf("key derivation is not deterministic")
	}
	if keys == newSipHashKeys(header, 1) {
		t.Fatalf("nonce does not reach the keys")
	}
	header[0] = 1
	if keys == newSipHashKeys(header, 0) {
		t.Fatalf("header does not reach the keys")
	}
}

func TestSipBlockMatchesBlockFill(t *testing.T) {
	keys := newSipHashKeys([]byte("purple"), 42)

	var buf [edgeBlockSize]uint64
	for _, blockStart := range []uint64{0, edgeBlockSize, 7 * edgeBlockSize} {
		sipBlockFill(keys, blockStart, &buf)
		for i := uint64(0); i < edgeBlockSize; i++ {
			if got := sipBlock(keys, blockStart+i); got != buf[i] {
				t.Fatalf("edge %d: single-edge hash %#x != block hash %#x", blockStart+i, got, buf[i])
			}
		}
		// recompute the raw hash chain: every entry but the last carries
		// the last hash XORed in, the last entry stays raw
		s := newSipHashState(keys)
		var raw [edgeBlockSize]uint64
		for i := uint64(0); i < edgeBlockSize; i++ {
			s.hash24(blockStart + i)
			raw[i] = s.xorLanes()
		}
		last := raw[edgeBlockMask]
		for i := range raw {
			want := raw[i] ^ last
			if i == edgeBlockMask {
				want = last
			}
			if buf[i] != want {
				t.Fatalf("block %d: entry %d is %#x, want %#x", blockStart, i, buf[i], want)
			}
		}
		if buf[edgeBlockMask] == 0 {
			t.Fatalf("block %d: last edge hash collapsed to 0", blockStart)
		}
		if buf[0] == buf[1] {
			t.Fatalf("block %d: state does not carry between hashes", blockStart)
		}
	}
}
