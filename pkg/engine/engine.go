// Package engine orchestrates contract execution over the hash chain, the
// checkpoint store and the invariant enforcer.
//
// Each call moves through RECEIVED, PRECHECKED, EXECUTING, POSTCHECKED and
// COMMITTED, or ends in REJECTED. Contracts run outside the engine's commit
// lock; post-check, checkpoint creation and event append run under it, so
// event order is commit order rather than arrival order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/qradle/pkg/authz"
	"github.com/Mindburn-Labs/qradle/pkg/canonicalize"
	"github.com/Mindburn-Labs/qradle/pkg/checkpoint"
	"github.com/Mindburn-Labs/qradle/pkg/contract"
	"github.com/Mindburn-Labs/qradle/pkg/crypto"
	"github.com/Mindburn-Labs/qradle/pkg/hashchain"
	"github.com/Mindburn-Labs/qradle/pkg/invariant"
	"github.com/Mindburn-Labs/qradle/pkg/lockdown"
	"github.com/Mindburn-Labs/qradle/pkg/observability"
)

const scanBatch = 256

// Engine is the execution engine for one deployment. It owns one chain and
// one checkpoint store.
type Engine struct {
	chain     *hashchain.Chain
	store     checkpoint.Store
	hasher    crypto.Hasher
	enforcer  *invariant.Enforcer
	verifier  *authz.Verifier
	clock     Clock
	logger    *slog.Logger
	telemetry *observability.Provider
	sampler   Sampler
	limiter   *rate.Limiter
	latch     lockdown.Latch
	minLevels map[string]invariant.SafetyLevel

	// mu is the commit lock. Everything below is guarded by it.
	mu       sync.Mutex
	current  *checkpoint.Checkpoint
	state    checkpoint.State
	lastExec map[string]uint64
}

// New builds an engine over chain and store. The live position is recovered
// from the chain: the most recent execution or rollback event names the
// current checkpoint. A store without checkpoints gets a genesis checkpoint
// of empty state, created without an event.
func New(ctx context.Context, chain *hashchain.Chain, store checkpoint.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		chain:     chain,
		store:     store,
		hasher:    chain.Hasher(),
		enforcer:  invariant.NewEnforcer(),
		clock:     systemClock{},
		logger:    slog.Default().With("component", "engine"),
		sampler:   NeverSample(),
		latch:     lockdown.NewMemoryLatch(),
		minLevels: make(map[string]invariant.SafetyLevel),
		lastExec:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.recover(ctx); err != nil {
		return nil, err
	}
	if f := chain.Failure(); f != nil {
		e.trip(ctx, lockdown.KindIntegrity, f)
	}
	e.telemetry.RecordChainLength(ctx, chain.Len())
	return e, nil
}

func (e *Engine) recover(ctx context.Context) error {
	var position checkpoint.ID
	n := e.chain.Len()
	for start := uint64(0); start < n; start += scanBatch {
		events, err := e.chain.Range(ctx, start, start+scanBatch)
		if err != nil {
			return fmt.Errorf("engine: scan chain: %w", err)
		}
		for _, ev := range events {
			r, err := DecodeRecord(ev)
			if err != nil {
				continue
			}
			switch r.Kind {
			case KindExecution:
				position = checkpoint.ID(r.CheckpointID)
				e.lastExec[r.ContractID] = ev.Index
			case KindRollback:
				position = checkpoint.ID(r.ToCheckpoint)
			}
		}
	}

	if position == "" {
		ids, err := e.store.List(ctx)
		if err != nil {
			return fmt.Errorf("engine: list checkpoints: %w", err)
		}
		if len(ids) > 0 {
			position = ids[0]
		} else {
			position, err = e.store.Create(ctx, checkpoint.State{})
			if err != nil {
				return fmt.Errorf("engine: create genesis checkpoint: %w", err)
			}
			e.logger.InfoContext(ctx, "genesis checkpoint created", "checkpoint", position)
		}
	}

	cp, err := e.store.Get(ctx, position)
	if err != nil {
		return fmt.Errorf("engine: load checkpoint %s: %w", position, err)
	}
	state, err := checkpoint.Open(cp)
	if err != nil {
		// Stay readable for proofs; refuse writes.
		e.current, e.state = cp, checkpoint.State{}
		e.trip(ctx, lockdown.KindCheckpoint, err)
		return nil
	}
	e.current, e.state = cp, state
	return nil
}

// call carries per-call data between stages.
type call struct {
	id            string
	ectx          ExecutionContext
	contextDigest string
	evidence      invariant.Evidence
	stage         State
}

// ExecuteContract runs c under the engine's state machine. It always
// returns a non-nil result once the call is received; on error the result
// carries the unchanged pre-call checkpoint and the index of any rejection
// event. Event indices reflect commit order: two concurrent calls may
// commit in the opposite order to which they arrived.
func (e *Engine) ExecuteContract(ctx context.Context, ectx ExecutionContext, c contract.Contract) (*ExecutionResult, error) {
	ctx, done := e.telemetry.TrackOperation(ctx, "qradle.execute",
		attribute.String("contract_id", ectx.ContractID),
		attribute.String("safety_level", ectx.SafetyLevel.String()),
	)
	res, err := e.execute(ctx, ectx, c)
	done(err)
	return res, err
}

func (e *Engine) execute(ctx context.Context, ectx ExecutionContext, c contract.Contract) (*ExecutionResult, error) {
	if e.limiter != nil && !e.limiter.Allow() {
		e.telemetry.RecordRejection(ctx, "ADMISSION", "")
		return &ExecutionResult{ContractID: ectx.ContractID, CheckpointID: e.CurrentCheckpoint(), State: StateRejected},
			&Error{Op: "execute", Stage: StateReceived, Err: ErrThrottled}
	}
	if err := e.checkLockdown(ctx); err != nil {
		return &ExecutionResult{ContractID: ectx.ContractID, CheckpointID: e.CurrentCheckpoint(), State: StateRejected},
			&Error{Op: "execute", Stage: StateReceived, Err: err}
	}

	cl := &call{id: uuid.NewString(), ectx: ectx, stage: StateReceived}
	if cl.ectx.Timestamp.IsZero() {
		cl.ectx.Timestamp = e.clock.Now()
	}
	log := e.logger.With("call_id", cl.id, "contract_id", ectx.ContractID)

	// RECEIVED
	if ectx.ContractID == "" {
		return e.reject(ctx, cl, KindRejection, fmt.Errorf("%w: empty contract id", ErrInvalidContext))
	}
	if c == nil {
		return e.reject(ctx, cl, KindRejection, fmt.Errorf("%w: nil contract", ErrInvalidContext))
	}
	digest, err := ContextDigest(e.hasher, cl.ectx)
	if err != nil {
		return e.reject(ctx, cl, KindRejection, fmt.Errorf("%w: %v", ErrInvalidContext, err))
	}
	cl.contextDigest = digest

	facts := e.preFacts(ctx, cl, c)
	if ectx.SafetyLevel >= invariant.Elevated && ectx.SafetyLevel.Valid() {
		log.WarnContext(ctx, "elevated call notice",
			"safety_level", ectx.SafetyLevel.String(),
			"credential_ref", ectx.Authorization.CredentialRef,
			"approvers", cl.evidence.Approvers,
		)
		facts.NoticeLogged = true
	}
	if err := e.enforcer.PreCheck(facts); err != nil {
		return e.reject(ctx, cl, KindViolation, err)
	}
	cl.stage = StatePrechecked

	// PRECHECKED: the last point a caller can abort.
	if err := ctx.Err(); err != nil {
		return e.reject(ctx, cl, KindRejection, err)
	}

	cl.stage = StateExecuting
	output, err := invoke(ctx, ectx.ContractID, c, ectx.Parameters)
	if err != nil {
		return e.reject(ctx, cl, KindFailure, err)
	}
	outDigest, canonical, err := canonicalize.Hash(e.hasher, output)
	if err != nil {
		return e.reject(ctx, cl, KindFailure, &ContractError{ContractID: ectx.ContractID, Err: fmt.Errorf("output not serialisable: %w", err)})
	}

	post := invariant.PostFacts{ExecutedDigest: outDigest.String()}
	if e.sampler.Sample(cl.contextDigest) {
		post.ReplaySampled = true
		post.ReplayDigest = e.replay(ctx, ectx, c)
	}

	var outValue any
	if err := canonicalize.Decode(canonical, &outValue); err != nil {
		return e.reject(ctx, cl, KindFailure, &ContractError{ContractID: ectx.ContractID, Err: err})
	}

	return e.commit(ctx, cl, output, outValue, post)
}

func (e *Engine) preFacts(ctx context.Context, cl *call, c contract.Contract) invariant.PreFacts {
	ectx := cl.ectx
	minLevel := contract.MinLevelOf(c)
	if l, ok := e.minLevels[ectx.ContractID]; ok && l > minLevel {
		minLevel = l
	}

	if ectx.Authorization.Authorized && len(ectx.Authorization.Credentials) > 0 {
		if e.verifier == nil {
			cl.evidence = invariant.Evidence{Rejected: []string{"no credential verifier configured"}}
		} else {
			cl.evidence = e.verifier.Evidence(ectx.Authorization.Credentials, authz.Binding{
				ContextDigest: cl.contextDigest,
				Level:         ectx.SafetyLevel,
				At:            ectx.Timestamp,
			})
		}
	}

	return invariant.PreFacts{
		Level:               ectx.SafetyLevel,
		MinLevel:            minLevel,
		Authorization:       ectx.Authorization,
		Evidence:            cl.evidence,
		CheckpointAvailable: e.checkpointAvailable(ctx),
	}
}

func (e *Engine) checkpointAvailable(ctx context.Context) bool {
	e.mu.Lock()
	cur := e.current
	e.mu.Unlock()
	if cur == nil {
		return false
	}
	stored, err := e.store.Get(ctx, cur.ID)
	if err != nil || stored.StateDigest != cur.StateDigest || stored.Sequence != cur.Sequence {
		return false
	}
	// The stored bytes, not the in-memory copy, are what a rollback restores.
	_, err = checkpoint.Open(stored)
	return err == nil
}

// invoke runs the contract, converting panics into ContractErrors.
func invoke(ctx context.Context, contractID string, c contract.Contract, params map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ContractError{ContractID: contractID, Err: fmt.Errorf("%v", r), Panicked: true}
		}
	}()
	out, err = c.Invoke(ctx, params)
	if err != nil {
		return nil, &ContractError{ContractID: contractID, Err: err}
	}
	return out, nil
}

// replay re-invokes the contract and returns the output digest, or "" if
// the replay failed.
func (e *Engine) replay(ctx context.Context, ectx ExecutionContext, c contract.Contract) string {
	out, err := invoke(ctx, ectx.ContractID, c, ectx.Parameters)
	if err != nil {
		return ""
	}
	d, _, err := canonicalize.Hash(e.hasher, out)
	if err != nil {
		return ""
	}
	return d.String()
}

// commit is the serialized section: post-check, checkpoint, append. Either
// all three happen or the live position is left untouched.
func (e *Engine) commit(ctx context.Context, cl *call, output, outValue any, post invariant.PostFacts) (*ExecutionResult, error) {
	ctx = context.WithoutCancel(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkLockdown(ctx); err != nil {
		return e.result(cl, nil), &Error{Op: "execute", Stage: cl.stage, CallID: cl.id, Err: err}
	}

	ok, chainErr := e.chain.VerifyIntegrity(ctx)
	post.ChainIntact = ok
	post.ChainErr = chainErr
	post.EventsQueued = 1
	if d, _, err := canonicalize.Hash(e.hasher, output); err == nil {
		post.CommitDigest = d.String()
	}

	if err := e.enforcer.PostCheck(post); err != nil {
		var ie *hashchain.IntegrityError
		if errors.As(err, &ie) {
			e.trip(ctx, lockdown.KindIntegrity, ie)
		}
		return e.rejectLocked(ctx, cl, KindViolation, err)
	}
	cl.stage = StatePostchecked

	next := e.state.Clone()
	next[cl.ectx.ContractID] = outValue
	cpID, err := e.store.Create(ctx, next)
	if err != nil {
		return e.rejectLocked(ctx, cl, KindRejection, fmt.Errorf("create checkpoint: %w", err))
	}
	cp, err := e.store.Get(ctx, cpID)
	if err != nil {
		return e.rejectLocked(ctx, cl, KindRejection, fmt.Errorf("reload checkpoint: %w", err))
	}
	state, err := checkpoint.Open(cp)
	if err != nil {
		return e.rejectLocked(ctx, cl, KindRejection, fmt.Errorf("reload checkpoint: %w", err))
	}

	ev, err := e.chain.Append(ctx, e.record(cl, Record{
		Kind:         KindExecution,
		OutputDigest: post.ExecutedDigest,
		CheckpointID: string(cpID),
		Sequence:     cp.Sequence,
		Approvers:    cl.evidence.Approvers,
	}))
	if err != nil {
		// The checkpoint exists but nothing references it; the position stays.
		cause := fmt.Errorf("%w: checkpoint %s: %w", ErrCommitIncomplete, cpID, err)
		e.trip(ctx, lockdown.KindCommit, cause)
		return e.result(cl, nil), &Error{Op: "execute", Stage: cl.stage, CallID: cl.id, Err: cause}
	}

	e.current, e.state = cp, state
	e.lastExec[cl.ectx.ContractID] = ev.Index
	cl.stage = StateCommitted

	e.logger.InfoContext(ctx, "contract committed",
		"call_id", cl.id,
		"contract_id", cl.ectx.ContractID,
		"event_index", ev.Index,
		"checkpoint", cpID,
		"output_digest", post.ExecutedDigest,
	)
	e.telemetry.RecordChainLength(ctx, e.chain.Len())

	return &ExecutionResult{
		CallID:       cl.id,
		ContractID:   cl.ectx.ContractID,
		Output:       output,
		OutputDigest: post.ExecutedDigest,
		EventIndices: []uint64{ev.Index},
		CheckpointID: cpID,
		State:        StateCommitted,
	}, nil
}

func (e *Engine) record(cl *call, r Record) Record {
	r.CallID = cl.id
	r.ContractID = cl.ectx.ContractID
	r.SafetyLevel = cl.ectx.SafetyLevel.String()
	r.ContextDigest = cl.contextDigest
	r.CredentialRef = cl.ectx.Authorization.CredentialRef
	r.Timestamp = e.clock.Now().UTC()
	return r
}

func (e *Engine) result(cl *call, events []uint64) *ExecutionResult {
	var id checkpoint.ID
	if e.current != nil {
		id = e.current.ID
	}
	return &ExecutionResult{
		CallID:       cl.id,
		ContractID:   cl.ectx.ContractID,
		EventIndices: events,
		CheckpointID: id,
		State:        StateRejected,
	}
}

func (e *Engine) reject(ctx context.Context, cl *call, kind string, cause error) (*ExecutionResult, error) {
	ctx = context.WithoutCancel(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rejectLocked(ctx, cl, kind, cause)
}

// verifyBeforeAppend re-verifies a chain not yet known to be failed, so a
// rejection is never written on top of altered history. A chain already
// failed is left to Append, which refuses it.
func (e *Engine) verifyBeforeAppend(ctx context.Context) error {
	if e.chain.Failure() != nil {
		return nil
	}
	ok, err := e.chain.VerifyIntegrity(ctx)
	if ok {
		return nil
	}
	var ie *hashchain.IntegrityError
	if errors.As(err, &ie) {
		e.trip(ctx, lockdown.KindIntegrity, ie)
	}
	return err
}

// rejectLocked appends the single audit event a rejected call is allowed.
func (e *Engine) rejectLocked(ctx context.Context, cl *call, kind string, cause error) (*ExecutionResult, error) {
	r := Record{Kind: kind, Stage: cl.stage, Reason: cause.Error()}
	inv := ""
	var v *invariant.Violation
	if errors.As(cause, &v) {
		inv = string(v.Invariant)
		r.Invariant = inv
	}

	var events []uint64
	if err := e.verifyBeforeAppend(ctx); err != nil {
		e.logger.ErrorContext(ctx, "rejection event not recorded", "call_id", cl.id, "error", err)
	} else if ev, err := e.chain.Append(ctx, e.record(cl, r)); err != nil {
		e.logger.ErrorContext(ctx, "rejection event not recorded", "call_id", cl.id, "error", err)
		if errors.Is(err, hashchain.ErrChainLocked) {
			e.trip(ctx, lockdown.KindIntegrity, e.chain.Failure())
		}
	} else {
		events = []uint64{ev.Index}
		e.telemetry.RecordChainLength(ctx, e.chain.Len())
	}

	e.logger.WarnContext(ctx, "call rejected",
		"call_id", cl.id,
		"contract_id", cl.ectx.ContractID,
		"stage", cl.stage,
		"kind", kind,
		"invariant", inv,
		"reason", cause.Error(),
	)
	e.telemetry.RecordRejection(ctx, string(cl.stage), inv)

	return e.result(cl, events), &Error{Op: "execute", Stage: cl.stage, CallID: cl.id, Err: cause}
}

// ContextDigest is the digest approvals bind to: the canonical form of the
// contract ID, parameters, timestamp and safety level.
func ContextDigest(h crypto.Hasher, ectx ExecutionContext) (string, error) {
	params := ectx.Parameters
	if params == nil {
		params = map[string]any{}
	}
	d, _, err := canonicalize.Hash(h, map[string]any{
		"contract_id":  ectx.ContractID,
		"parameters":   params,
		"timestamp":    ectx.Timestamp.UTC().Format(time.RFC3339Nano),
		"safety_level": ectx.SafetyLevel.String(),
	})
	if err != nil {
		return "", err
	}
	return d.String(), nil
}
