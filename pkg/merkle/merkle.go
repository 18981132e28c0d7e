// Package merkle computes and verifies the snapshot merkle trees that back
// every claim: one leaf per (chain, height, denom, address, balance) tuple,
// SHA-256 throughout, pairwise left-to-right combination with the last node
// duplicated on odd levels.
package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/quillon-labs/quillon-bridge/pkg/types"
)

// Entry is the pre-image of one snapshot leaf.
type Entry struct {
	ChainID string
	Height  uint64
	Denom   string
	Address string
	Balance types.Amount
}

// LeafHash computes SHA-256(chain_id || height_be || denom || address ||
// balance_be) with raw UTF-8 bytes, no separators and no length prefixes, as
// required for the leaf pre-image.
func LeafHash(e Entry) types.Hash {
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], e.Height)
	balBuf := e.Balance.BigEndian16()

	h := sha256.New()
	h.Write([]byte(e.ChainID))
	h.Write(heightBuf[:])
	h.Write([]byte(e.Denom))
	h.Write([]byte(e.Address))
	h.Write(balBuf[:])

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// nodeHash combines two 32-byte children into their parent: SHA-256(left||right).
func nodeHash(left, right types.Hash) types.Hash {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeRoot builds the merkle root over leaf hashes, pairing adjacent
// nodes left-to-right and duplicating the last node of any odd-length level.
// An empty input yields the zero hash; a single leaf is its own root.
func ComputeRoot(leaves []types.Hash) types.Hash {
	if len(leaves) == 0 {
		return types.Hash{}
	}
	level := make([]types.Hash, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(next); i++ {
			next[i] = nodeHash(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Sibling types.Hash
	IsLeft  bool // true if Sibling is the left operand at this step.
}

// VerifyProof walks the proof from leaf to root and reports whether the
// resulting hash equals root. An empty proof is valid only when leaf itself
// equals root (the single-entry tree case).
func VerifyProof(leaf types.Hash, proof []ProofStep, root types.Hash) bool {
	cur := leaf
	for _, step := range proof {
		if step.IsLeft {
			cur = nodeHash(step.Sibling, cur)
		} else {
			cur = nodeHash(cur, step.Sibling)
		}
	}
	return cur == root
}

// DecodeSibling validates a proof-step sibling's length, rejecting anything
// other than exactly 32 bytes.
func DecodeSibling(b []byte) (types.Hash, error) {
	if len(b) != 32 {
		return types.Hash{}, fmt.Errorf("proof sibling must be 32 bytes, got %d", len(b))
	}
	var h types.Hash
	copy(h[:], b)
	return h, nil
}
