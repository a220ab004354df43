package hashchain

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/qradle/pkg/crypto"
)

// SideLeft means the sibling digest precedes the running digest in the node
// preimage. Chain proofs only ever use this side: each later event's payload
// digest sits left of the digest it links to.
const SideLeft = "L"

// ProofStep carries the running digest across one later event.
type ProofStep struct {
	Index         uint64 `json:"index"`
	SiblingDigest string `json:"sibling_digest"`
	Side          string `json:"side"`
}

// Proof recomputes the chain root from one event's node digest. It is
// self-describing so it can be verified without the engine.
type Proof struct {
	Algorithm  string      `json:"algorithm"`
	Index      uint64      `json:"index"`
	NodeDigest string      `json:"node_digest"`
	Steps      []ProofStep `json:"steps"`
	Root       string      `json:"root"`
	Length     uint64      `json:"length"`
}

// GetProof returns the proof for the event at index against the current root.
func (c *Chain) GetProof(ctx context.Context, index uint64) (*Proof, error) {
	c.mu.RLock()
	length, head := c.length, c.head
	c.mu.RUnlock()

	if index >= length {
		return nil, fmt.Errorf("%w: index %d", ErrEventNotFound, index)
	}

	events, err := c.store.Range(ctx, index, length)
	if err != nil {
		return nil, fmt.Errorf("hashchain: read proof range: %w", err)
	}
	if uint64(len(events)) != length-index {
		return nil, fmt.Errorf("hashchain: proof range truncated at %d", index+uint64(len(events)))
	}

	proof := &Proof{
		Algorithm:  c.hasher.Name(),
		Index:      index,
		NodeDigest: events[0].NodeDigest,
		Steps:      make([]ProofStep, 0, len(events)-1),
		Root:       head.String(),
		Length:     length,
	}
	for _, e := range events[1:] {
		proof.Steps = append(proof.Steps, ProofStep{
			Index:         e.Index,
			SiblingDigest: e.PayloadDigest,
			Side:          SideLeft,
		})
	}
	return proof, nil
}

// VerifyProof recomputes the root from proof and compares it with
// claimedRoot, which the verifier must obtain independently of the proof.
// An empty claimedRoot never verifies.
func VerifyProof(proof Proof, claimedRoot string) bool {
	if claimedRoot == "" || proof.Root != claimedRoot {
		return false
	}
	h, err := crypto.NewHasher(proof.Algorithm)
	if err != nil {
		return false
	}
	current, err := crypto.ParseDigest(proof.NodeDigest)
	if err != nil {
		return false
	}
	if proof.Length != proof.Index+uint64(len(proof.Steps))+1 {
		return false
	}

	expected := proof.Index + 1
	for _, step := range proof.Steps {
		if step.Side != SideLeft || step.Index != expected {
			return false
		}
		sibling, err := crypto.ParseDigest(step.SiblingDigest)
		if err != nil {
			return false
		}
		current = ComputeNodeDigest(h, step.Index, sibling, current)
		expected++
	}
	return current.String() == proof.Root
}

// VerifyEventProof checks that e is well formed, that proof is about e and
// that the proof reaches claimedRoot.
func VerifyEventProof(e *Event, proof Proof, claimedRoot string) bool {
	h, err := crypto.NewHasher(proof.Algorithm)
	if err != nil {
		return false
	}
	prev, err := crypto.ParseDigest(e.PrevDigest)
	if err != nil {
		return false
	}
	if _, err := checkEvent(h, e, proof.Index, prev); err != nil {
		return false
	}
	if e.NodeDigest != proof.NodeDigest {
		return false
	}
	return VerifyProof(proof, claimedRoot)
}
