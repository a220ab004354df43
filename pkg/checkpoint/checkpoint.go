// Package checkpoint stores restorable snapshots of engine-visible state.
//
// A checkpoint commits to its state through a Merkle root over the state keys
// (StateDigest) and is addressed by ID = H(StateDigest || uint64be(Sequence)).
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/qradle/pkg/canonicalize"
	"github.com/Mindburn-Labs/qradle/pkg/crypto"
	"github.com/Mindburn-Labs/qradle/pkg/merkle"
)

// FormatVersion is written into every new checkpoint.
const FormatVersion = "1.0.0"

// compatibleFormats is the range of format versions Restore accepts.
var compatibleFormats = mustConstraint("^1")

var (
	ErrNotFound        = errors.New("checkpoint not found")
	ErrCheckpointAhead = errors.New("checkpoint is ahead of the current position")
	ErrDuplicate       = errors.New("checkpoint already exists")
)

// ID is an opaque checkpoint identifier.
type ID string

// State is the engine-visible state captured by a checkpoint.
type State map[string]any

// Clone returns a copy of s deep enough that writes to the copy's top-level
// keys do not reach s.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Checkpoint is a sealed snapshot as persisted by a Store.
type Checkpoint struct {
	ID            ID              `json:"id"`
	Sequence      uint64          `json:"sequence"`
	State         json.RawMessage `json:"state"`
	StateDigest   string          `json:"state_digest"`
	Algorithm     string          `json:"algorithm"`
	FormatVersion string          `json:"format_version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CorruptedError reports a checkpoint whose contents no longer match its
// digests.
type CorruptedError struct {
	ID     ID
	Reason string
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("checkpoint %s corrupted: %s", e.ID, e.Reason)
}

// ComputeID derives the checkpoint identifier.
func ComputeID(h crypto.Hasher, stateDigest crypto.Digest, sequence uint64) ID {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)
	return ID(h.Sum(stateDigest[:], seq[:]).String())
}

// Seal canonicalizes state and builds the checkpoint for sequence.
func Seal(h crypto.Hasher, state State, sequence uint64, createdAt time.Time) (*Checkpoint, error) {
	if state == nil {
		state = State{}
	}
	canonical, err := canonicalize.JCS(map[string]any(state))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: canonicalize state: %w", err)
	}
	// Build the tree from the canonical form so the root matches what a
	// verifier decoding State will compute.
	decoded, err := decodeState(canonical)
	if err != nil {
		return nil, err
	}
	tree, err := merkle.BuildMerkleTree(h, decoded)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: state root: %w", err)
	}
	return &Checkpoint{
		ID:            ComputeID(h, tree.Root, sequence),
		Sequence:      sequence,
		State:         canonical,
		StateDigest:   tree.Root.String(),
		Algorithm:     h.Name(),
		FormatVersion: FormatVersion,
		CreatedAt:     createdAt.UTC(),
	}, nil
}

// Open verifies cp and returns its decoded state.
func Open(cp *Checkpoint) (State, error) {
	h, err := crypto.NewHasher(cp.Algorithm)
	if err != nil {
		return nil, &CorruptedError{ID: cp.ID, Reason: err.Error()}
	}
	if err := checkFormat(cp.FormatVersion); err != nil {
		return nil, &CorruptedError{ID: cp.ID, Reason: err.Error()}
	}
	state, err := decodeState(cp.State)
	if err != nil {
		return nil, &CorruptedError{ID: cp.ID, Reason: err.Error()}
	}
	tree, err := merkle.BuildMerkleTree(h, state)
	if err != nil {
		return nil, &CorruptedError{ID: cp.ID, Reason: err.Error()}
	}
	if tree.Root.String() != cp.StateDigest {
		return nil, &CorruptedError{ID: cp.ID, Reason: "state digest mismatch"}
	}
	if ComputeID(h, tree.Root, cp.Sequence) != cp.ID {
		return nil, &CorruptedError{ID: cp.ID, Reason: "identifier mismatch"}
	}
	return State(state), nil
}

// Prove returns a Merkle inclusion proof for key against cp's state digest.
func Prove(cp *Checkpoint, key string) (*merkle.InclusionProof, error) {
	state, err := Open(cp)
	if err != nil {
		return nil, err
	}
	h, _ := crypto.NewHasher(cp.Algorithm)
	tree, err := merkle.BuildMerkleTree(h, state)
	if err != nil {
		return nil, err
	}
	return tree.GenerateProof(key)
}

// CheckRestorable rejects moving the live position forward. Checkpoints are
// only ever rolled back in logical time.
func CheckRestorable(current, target *Checkpoint) error {
	if current != nil && target.Sequence > current.Sequence {
		return fmt.Errorf("%w: target sequence %d, current %d", ErrCheckpointAhead, target.Sequence, current.Sequence)
	}
	return nil
}

func checkFormat(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("format version %q: %w", v, err)
	}
	if !compatibleFormats.Check(ver) {
		return fmt.Errorf("unsupported format version %s", ver)
	}
	return nil
}

func decodeState(data []byte) (map[string]any, error) {
	var state map[string]any
	if err := canonicalize.Decode(data, &state); err != nil {
		return nil, fmt.Errorf("checkpoint: decode state: %w", err)
	}
	if state == nil {
		state = map[string]any{}
	}
	return state, nil
}

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}
