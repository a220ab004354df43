package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/qradle/pkg/checkpoint"
	"github.com/Mindburn-Labs/qradle/pkg/lockdown"
)

// RollbackToCheckpoint restores the live state to id and appends a rollback
// event recording the old and new positions. History is never rewritten:
// two rollbacks to the same checkpoint append two events. Rolling forward
// past the current position is rejected with checkpoint.ErrCheckpointAhead.
func (e *Engine) RollbackToCheckpoint(ctx context.Context, id checkpoint.ID) error {
	ctx, done := e.telemetry.TrackOperation(ctx, "qradle.rollback", attribute.String("checkpoint_id", string(id)))
	err := e.rollback(ctx, id)
	done(err)
	return err
}

func (e *Engine) rollback(ctx context.Context, id checkpoint.ID) error {
	ctx = context.WithoutCancel(ctx)
	if err := e.checkLockdown(ctx); err != nil {
		return &Error{Op: "rollback", Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	target, err := e.store.Get(ctx, id)
	if err != nil {
		return &Error{Op: "rollback", Err: err}
	}
	if err := checkpoint.CheckRestorable(e.current, target); err != nil {
		return &Error{Op: "rollback", Err: err}
	}
	state, err := e.store.Restore(ctx, id)
	if err != nil {
		return &Error{Op: "rollback", Err: err}
	}

	from := e.current
	r := Record{
		Kind:         KindRollback,
		ToCheckpoint: string(target.ID),
		ToSequence:   target.Sequence,
		Timestamp:    e.clock.Now().UTC(),
	}
	if from != nil {
		r.FromCheckpoint = string(from.ID)
		r.FromSequence = from.Sequence
	}

	if err := e.verifyBeforeAppend(ctx); err != nil {
		return &Error{Op: "rollback", Err: err}
	}
	ev, err := e.chain.Append(ctx, r)
	if err != nil {
		if f := e.chain.Failure(); f != nil {
			e.trip(ctx, lockdown.KindIntegrity, f)
		}
		return &Error{Op: "rollback", Err: fmt.Errorf("append rollback event: %w", err)}
	}

	e.current, e.state = target, state
	e.logger.InfoContext(ctx, "rolled back",
		"from", r.FromCheckpoint,
		"to", r.ToCheckpoint,
		"event_index", ev.Index,
	)
	e.telemetry.RecordChainLength(ctx, e.chain.Len())
	return nil
}
