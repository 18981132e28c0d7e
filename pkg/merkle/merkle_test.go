package merkle

import (
	"crypto/sha256"
	"testing"

	"github.com/quillon-labs/quillon-bridge/pkg/types"
)

func leafOf(b byte) types.Hash {
	sum := sha256.Sum256([]byte{b})
	return types.Hash(sum)
}

func concat(a, b types.Hash) types.Hash {
	return nodeHash(a, b)
}

func TestComputeRoot_Empty(t *testing.T) {
	root := ComputeRoot(nil)
	if !root.IsZero() {
		t.Errorf("empty input should return zero hash, got %s", root)
	}
	root2 := ComputeRoot([]types.Hash{})
	if !root2.IsZero() {
		t.Errorf("empty slice should return zero hash, got %s", root2)
	}
}

func TestComputeRoot_SingleLeaf(t *testing.T) {
	h := leafOf(1)
	root := ComputeRoot([]types.Hash{h})
	if root != h {
		t.Errorf("single leaf should return itself: got %s, want %s", root, h)
	}
}

func TestComputeRoot_TwoLeaves(t *testing.T) {
	h1, h2 := leafOf(1), leafOf(2)
	root := ComputeRoot([]types.Hash{h1, h2})
	want := concat(h1, h2)
	if root != want {
		t.Errorf("two leaves: got %s, want %s", root, want)
	}
}

func TestComputeRoot_ThreeLeaves(t *testing.T) {
	h1, h2, h3 := leafOf(1), leafOf(2), leafOf(3)
	root := ComputeRoot([]types.Hash{h1, h2, h3})

	left := concat(h1, h2)
	right := concat(h3, h3)
	want := concat(left, right)

	if root != want {
		t.Errorf("three leaves: got %s, want %s", root, want)
	}
}

func TestComputeRoot_DoesNotMutateInput(t *testing.T) {
	h1, h2, h3 := leafOf(1), leafOf(2), leafOf(3)
	original := []types.Hash{h1, h2, h3}
	input := make([]types.Hash, len(original))
	copy(input, original)

	ComputeRoot(input)

	for i := range input {
		if input[i] != original[i] {
			t.Errorf("input[%d] was mutated", i)
		}
	}
}

func TestLeafHash_Deterministic(t *testing.T) {
	e := Entry{ChainID: "kujira-1", Height: 100, Denom: "ibc/x", Address: "kujira1abc", Balance: types.AmountFromUint64(42)}
	h1 := LeafHash(e)
	h2 := LeafHash(e)
	if h1 != h2 {
		t.Error("leaf hash is not deterministic")
	}
}

func TestLeafHash_DistinctInputsDiffer(t *testing.T) {
	base := Entry{ChainID: "kujira-1", Height: 100, Denom: "ibc/x", Address: "kujira1abc", Balance: types.AmountFromUint64(42)}
	variant := base
	variant.Balance = types.AmountFromUint64(43)

	if LeafHash(base) == LeafHash(variant) {
		t.Error("differing balance should produce a different leaf hash")
	}
}

func TestVerifyProof_RoundTrip(t *testing.T) {
	for n := 1; n <= 16; n++ {
		leaves := make([]types.Hash, n)
		for i := range leaves {
			leaves[i] = leafOf(byte(i))
		}
		root := ComputeRoot(leaves)

		for idx := range leaves {
			proof := buildProof(leaves, idx)
			if !VerifyProof(leaves[idx], proof, root) {
				t.Fatalf("n=%d idx=%d: proof should verify", n, idx)
			}
		}
	}
}

func TestVerifyProof_SingleByteFlipFails(t *testing.T) {
	leaves := make([]types.Hash, 5)
	for i := range leaves {
		leaves[i] = leafOf(byte(i))
	}
	root := ComputeRoot(leaves)
	proof := buildProof(leaves, 2)
	if len(proof) == 0 {
		t.Fatal("expected non-empty proof")
	}
	proof[0].Sibling[0] ^= 0x01
	if VerifyProof(leaves[2], proof, root) {
		t.Error("flipped sibling byte should fail verification")
	}
}

func TestVerifyProof_EmptyProofSingleEntryTree(t *testing.T) {
	leaf := leafOf(9)
	root := ComputeRoot([]types.Hash{leaf})
	if !VerifyProof(leaf, nil, root) {
		t.Error("empty proof should verify against a single-entry tree")
	}
}

func TestDecodeSibling_RejectsWrongLength(t *testing.T) {
	if _, err := DecodeSibling(make([]byte, 31)); err == nil {
		t.Error("expected error for 31-byte sibling")
	}
	if _, err := DecodeSibling(make([]byte, 33)); err == nil {
		t.Error("expected error for 33-byte sibling")
	}
	if _, err := DecodeSibling(make([]byte, 32)); err != nil {
		t.Errorf("32-byte sibling should be accepted: %v", err)
	}
}

// buildProof mirrors ComputeRoot's level construction to produce the proof
// path for the leaf at idx, for use in round-trip tests.
func buildProof(leaves []types.Hash, idx int) []ProofStep {
	level := make([]types.Hash, len(leaves))
	copy(level, leaves)
	var proof []ProofStep

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		pairIdx := idx / 2
		isRight := idx%2 == 1
		if isRight {
			proof = append(proof, ProofStep{Sibling: level[2*pairIdx], IsLeft: true})
		} else {
			proof = append(proof, ProofStep{Sibling: level[2*pairIdx+1], IsLeft: false})
		}

		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(next); i++ {
			next[i] = nodeHash(level[2*i], level[2*i+1])
		}
		level = next
		idx = pairIdx
	}
	return proof
}
