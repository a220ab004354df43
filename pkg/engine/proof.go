package engine

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/qradle/pkg/canonicalize"
	"github.com/Mindburn-Labs/qradle/pkg/checkpoint"
	"github.com/Mindburn-Labs/qradle/pkg/contract"
	"github.com/Mindburn-Labs/qradle/pkg/hashchain"
	"github.com/Mindburn-Labs/qradle/pkg/invariant"
	"github.com/Mindburn-Labs/qradle/pkg/merkle"
)

// GetExecutionProof returns a chain proof for the most recent execution
// event of contractID. Proofs remain available in lockdown.
func (e *Engine) GetExecutionProof(ctx context.Context, contractID string) (*hashchain.Proof, error) {
	idx, err := e.lastExecution(contractID)
	if err != nil {
		return nil, err
	}
	return e.chain.GetProof(ctx, idx)
}

// VerifyExecution reports whether the most recent execution of contractID
// recorded expectedOutputDigest and that its event is provably part of the
// current chain.
//
// It stays available in lockdown. On a chain that failed verification the
// answer is still computed from the stored events and returned together with
// the chain's *hashchain.IntegrityError, so callers can tell an intact
// execution record from a trusted one.
func (e *Engine) VerifyExecution(ctx context.Context, contractID, expectedOutputDigest string) (bool, error) {
	ok, err := e.verifyExecution(ctx, contractID, expectedOutputDigest)
	if err != nil {
		return false, err
	}
	if f := e.chain.Failure(); f != nil {
		return ok, f
	}
	return ok, nil
}

func (e *Engine) verifyExecution(ctx context.Context, contractID, expectedOutputDigest string) (bool, error) {
	idx, err := e.lastExecution(contractID)
	if err != nil {
		return false, err
	}
	ev, err := e.chain.Get(ctx, idx)
	if err != nil {
		return false, err
	}
	r, err := DecodeRecord(ev)
	if err != nil {
		return false, err
	}
	if r.Kind != KindExecution || r.ContractID != contractID || r.OutputDigest != expectedOutputDigest {
		return false, nil
	}
	proof, err := e.chain.GetProof(ctx, idx)
	if err != nil {
		return false, err
	}
	return hashchain.VerifyEventProof(ev, *proof, e.chain.Root().String()), nil
}

func (e *Engine) lastExecution(contractID string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.lastExec[contractID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoExecution, contractID)
	}
	return idx, nil
}

// DeterminismReport is the outcome of one harness replay.
type DeterminismReport struct {
	OutputDigest  string
	ReplayDigest  string
	Deterministic bool
}

// VerifyDeterminism is the verification harness: it invokes c twice with
// ectx and compares output digests. Nothing is committed or appended.
func (e *Engine) VerifyDeterminism(ctx context.Context, ectx ExecutionContext, c contract.Contract) (*DeterminismReport, error) {
	first, err := invoke(ctx, ectx.ContractID, c, ectx.Parameters)
	if err != nil {
		return nil, err
	}
	d1, _, err := canonicalize.Hash(e.hasher, first)
	if err != nil {
		return nil, &ContractError{ContractID: ectx.ContractID, Err: err}
	}
	report := &DeterminismReport{OutputDigest: d1.String(), ReplayDigest: e.replay(ctx, ectx, c)}
	report.Deterministic = report.ReplayDigest == report.OutputDigest

	err = e.enforcer.PostCheck(invariant.PostFacts{
		ChainIntact:    true,
		EventsQueued:   1,
		ExecutedDigest: report.OutputDigest,
		CommitDigest:   report.OutputDigest,
		ReplaySampled:  true,
		ReplayDigest:   report.ReplayDigest,
	})
	return report, err
}

// ProveState returns an inclusion proof for key in the current checkpoint.
func (e *Engine) ProveState(ctx context.Context, key string) (*merkle.InclusionProof, checkpoint.ID, error) {
	id := e.CurrentCheckpoint()
	proof, err := e.store.ProveKey(ctx, id, key)
	return proof, id, err
}

// State returns a copy of the live state.
func (e *Engine) State() checkpoint.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// CurrentCheckpoint returns the checkpoint the live state was restored from.
func (e *Engine) CurrentCheckpoint() checkpoint.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ""
	}
	return e.current.ID
}

// Chain returns the engine's hash chain for read-only use.
func (e *Engine) Chain() *hashchain.Chain { return e.chain }

// Checkpoints returns the engine's checkpoint store for read-only use.
func (e *Engine) Checkpoints() checkpoint.Store { return e.store }
