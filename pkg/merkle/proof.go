package merkle

import (
	"github.com/Mindburn-Labs/qradle/pkg/crypto"
)

// Proof step sides: the position the sibling occupies in the parent preimage.
const (
	SideLeft  = "L"
	SideRight = "R"
)

type InclusionProof struct {
	LeafPath   string      `json:"leaf_path"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"`
	SiblingHash string `json:"sibling_hash"`
}

// VerifyInclusionProof verifies that a leaf is part of the tree with the
// trusted root expectedRoot.
func VerifyInclusionProof(h crypto.Hasher, proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.MerkleRoot != expectedRoot {
		return false
	}

	current, err := crypto.ParseDigest(proof.LeafHash)
	if err != nil {
		return false
	}

	for _, step := range proof.ProofPath {
		sibling, err := crypto.ParseDigest(step.SiblingHash)
		if err != nil {
			return false
		}
		switch step.Side {
		case SideLeft:
			current = buildNodeHash(h, sibling, current)
		case SideRight:
			current = buildNodeHash(h, current, sibling)
		default:
			return false
		}
	}

	return current.String() == proof.MerkleRoot
}
