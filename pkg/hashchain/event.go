// Package hashchain implements the append-only, tamper-evident event log.
//
// Every event commits to its index, the digest of its canonical payload and
// the node digest of its predecessor:
//
//	node_digest = H(uint64be(index) || payload_digest || prev_digest)
//
// The chain root is the node digest of the most recent event.
package hashchain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/qradle/pkg/crypto"
)

// GenesisDigest is the previous digest of the event at index 0.
var GenesisDigest = crypto.ZeroDigest.String()

// SeverityCritical marks errors that must halt all writes.
const SeverityCritical = "CRITICAL"

var (
	ErrEventNotFound = errors.New("event not found")
	ErrChainLocked   = errors.New("hash chain is locked after an integrity failure")
	ErrOutOfOrder    = errors.New("event index does not extend the chain")
)

// Event is one immutable, chained audit-log entry.
type Event struct {
	Index         uint64          `json:"index"`
	Payload       json.RawMessage `json:"payload"`
	PayloadDigest string          `json:"payload_digest"`
	PrevDigest    string          `json:"prev_digest"`
	NodeDigest    string          `json:"node_digest"`
}

// Clone returns a deep copy of e.
func (e *Event) Clone() *Event {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// IntegrityError reports the first index at which the chain failed
// verification. It is fatal: the chain refuses writes once one is observed.
type IntegrityError struct {
	Index  uint64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain integrity violated at index %d: %s", e.Index, e.Reason)
}

// Severity is always CRITICAL.
func (e *IntegrityError) Severity() string { return SeverityCritical }

// ComputeNodeDigest returns H(uint64be(index) || payloadDigest || prevDigest).
func ComputeNodeDigest(h crypto.Hasher, index uint64, payloadDigest, prevDigest crypto.Digest) crypto.Digest {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	return h.Sum(idx[:], payloadDigest[:], prevDigest[:])
}

// checkEvent recomputes the digests of e given the expected previous digest.
func checkEvent(h crypto.Hasher, e *Event, expectedIndex uint64, expectedPrev crypto.Digest) (crypto.Digest, error) {
	if e.Index != expectedIndex {
		return crypto.Digest{}, fmt.Errorf("index %d stored at position %d", e.Index, expectedIndex)
	}
	payloadDigest := h.Sum(e.Payload)
	if payloadDigest.String() != e.PayloadDigest {
		return crypto.Digest{}, errors.New("payload digest mismatch")
	}
	if e.PrevDigest != expectedPrev.String() {
		return crypto.Digest{}, errors.New("previous digest mismatch")
	}
	node := ComputeNodeDigest(h, e.Index, payloadDigest, expectedPrev)
	if node.String() != e.NodeDigest {
		return crypto.Digest{}, errors.New("node digest mismatch")
	}
	return node, nil
}
