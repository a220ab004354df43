package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/qradle/pkg/checkpoint"
	"github.com/Mindburn-Labs/qradle/pkg/hashchain"
	"github.com/Mindburn-Labs/qradle/pkg/lockdown"
)

// trip moves the engine into lockdown. The latch keeps the first cause.
func (e *Engine) trip(ctx context.Context, kind string, cause error) {
	if cause == nil {
		return
	}
	s := lockdown.State{Kind: kind, Reason: cause.Error(), Since: e.clock.Now().UTC()}
	var ie *hashchain.IntegrityError
	if errors.As(cause, &ie) {
		s.Index = ie.Index
	}
	if err := e.latch.Trip(ctx, s); err != nil {
		e.logger.ErrorContext(ctx, "lockdown latch unavailable", "error", err)
	}
	e.logger.ErrorContext(ctx, "engine entered lockdown",
		"severity", hashchain.SeverityCritical,
		"kind", kind,
		"reason", cause.Error(),
	)
	e.telemetry.RecordLockdown(ctx, kind)
}

// checkLockdown returns a *LockdownError while writes are refused. An
// unreachable latch refuses writes too.
func (e *Engine) checkLockdown(ctx context.Context) error {
	if f := e.chain.Failure(); f != nil {
		e.trip(ctx, lockdown.KindIntegrity, f)
	}
	s, err := e.latch.Status(ctx)
	if err != nil {
		return fmt.Errorf("%w: latch status unavailable: %w", ErrLockdown, err)
	}
	if !s.Locked {
		return nil
	}
	le := &LockdownError{State: s}
	switch s.Kind {
	case lockdown.KindIntegrity:
		if f := e.chain.Failure(); f != nil {
			le.Cause = f
		} else {
			le.Cause = &hashchain.IntegrityError{Index: s.Index, Reason: s.Reason}
		}
	case lockdown.KindCommit:
		le.Cause = ErrCommitIncomplete
	}
	return le
}

// Locked reports whether the engine refuses writes, and why.
func (e *Engine) Locked(ctx context.Context) (bool, lockdown.State, error) {
	s, err := e.latch.Status(ctx)
	if err != nil {
		return true, s, err
	}
	if f := e.chain.Failure(); f != nil && !s.Locked {
		return true, lockdown.State{Locked: true, Kind: lockdown.KindIntegrity, Index: f.Index, Reason: f.Reason}, nil
	}
	return s.Locked, s, nil
}

// VerifyIntegrity re-verifies the whole chain and trips the lockdown on
// failure.
func (e *Engine) VerifyIntegrity(ctx context.Context) (bool, error) {
	ok, err := e.chain.VerifyIntegrity(ctx)
	if !ok {
		var ie *hashchain.IntegrityError
		if errors.As(err, &ie) {
			e.trip(ctx, lockdown.KindIntegrity, ie)
		}
	}
	return ok, err
}

// ClearLockdown is the operator path out of lockdown. The chain and the live
// checkpoint are re-verified first; the latch is cleared only if both pass.
func (e *Engine) ClearLockdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.chain.ClearFailure(ctx); err != nil {
		return &Error{Op: "clear-lockdown", Err: err}
	}
	if e.current == nil {
		return &Error{Op: "clear-lockdown", Err: errors.New("no current checkpoint")}
	}
	cp, err := e.store.Get(ctx, e.current.ID)
	if err != nil {
		return &Error{Op: "clear-lockdown", Err: err}
	}
	state, err := checkpoint.Open(cp)
	if err != nil {
		return &Error{Op: "clear-lockdown", Err: err}
	}
	if err := e.latch.Clear(ctx); err != nil {
		return &Error{Op: "clear-lockdown", Err: err}
	}
	e.current, e.state = cp, state
	e.logger.WarnContext(ctx, "lockdown cleared", "chain_length", e.chain.Len(), "checkpoint", cp.ID)
	return nil
}
