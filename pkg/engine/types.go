package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/qradle/pkg/checkpoint"
	"github.com/Mindburn-Labs/qradle/pkg/hashchain"
	"github.com/Mindburn-Labs/qradle/pkg/invariant"
	"github.com/Mindburn-Labs/qradle/pkg/lockdown"
)

// State is the lifecycle state of one call.
type State string

const (
	StateReceived    State = "RECEIVED"
	StatePrechecked  State = "PRECHECKED"
	StateExecuting   State = "EXECUTING"
	StatePostchecked State = "POSTCHECKED"
	StateCommitted   State = "COMMITTED"
	StateRejected    State = "REJECTED"
)

// Event kinds recorded in chain payloads.
const (
	KindExecution = "execution"
	KindRejection = "rejection"
	KindViolation = "violation"
	KindFailure   = "failure"
	KindRollback  = "rollback"
)

// ExecutionContext is the caller-supplied, immutable input of one call.
type ExecutionContext struct {
	ContractID    string
	Parameters    map[string]any
	Timestamp     time.Time
	SafetyLevel   invariant.SafetyLevel
	Authorization invariant.Authorization
}

// ExecutionResult is produced for every call that got past admission. On
// failure CheckpointID is the unchanged pre-call checkpoint.
type ExecutionResult struct {
	CallID       string
	ContractID   string
	Output       any
	OutputDigest string
	EventIndices []uint64
	CheckpointID checkpoint.ID
	State        State
}

// Record is the payload of every event the engine appends.
type Record struct {
	Kind           string    `json:"kind"`
	CallID         string    `json:"call_id,omitempty"`
	ContractID     string    `json:"contract_id,omitempty"`
	SafetyLevel    string    `json:"safety_level,omitempty"`
	ContextDigest  string    `json:"context_digest,omitempty"`
	OutputDigest   string    `json:"output_digest,omitempty"`
	CheckpointID   string    `json:"checkpoint_id,omitempty"`
	Sequence       uint64    `json:"sequence,omitempty"`
	Stage          State     `json:"stage,omitempty"`
	Invariant      string    `json:"invariant,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CredentialRef  string    `json:"credential_ref,omitempty"`
	Approvers      []string  `json:"approvers,omitempty"`
	FromCheckpoint string    `json:"from_checkpoint,omitempty"`
	FromSequence   uint64    `json:"from_sequence,omitempty"`
	ToCheckpoint   string    `json:"to_checkpoint,omitempty"`
	ToSequence     uint64    `json:"to_sequence,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// DecodeRecord reads the engine record carried by e.
func DecodeRecord(e *hashchain.Event) (Record, error) {
	var r Record
	if err := json.Unmarshal(e.Payload, &r); err != nil {
		return Record{}, fmt.Errorf("engine: decode event %d: %w", e.Index, err)
	}
	return r, nil
}

var (
	ErrLockdown         = errors.New("engine is in lockdown")
	ErrThrottled        = errors.New("call rejected by admission limiter")
	ErrInvalidContext   = errors.New("invalid execution context")
	ErrCommitIncomplete = errors.New("checkpoint stored but event append failed")
	ErrNoExecution      = errors.New("no execution recorded for contract")
)

// Error wraps every error the engine returns with the operation, the last
// state the call reached and the call ID.
type Error struct {
	Op     string
	Stage  State
	CallID string
	Err    error
}

func (e *Error) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("%s %s at %s: %v", e.Op, e.CallID, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s at %s: %v", e.Op, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ContractError reports that the contract itself failed.
type ContractError struct {
	ContractID string
	Err        error
	Panicked   bool
}

func (e *ContractError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("contract %s panicked: %v", e.ContractID, e.Err)
	}
	return fmt.Sprintf("contract %s failed: %v", e.ContractID, e.Err)
}

func (e *ContractError) Unwrap() error { return e.Err }

// LockdownError is returned for writes refused in lockdown. It matches
// ErrLockdown and, when the lockdown came from a chain failure, the
// *hashchain.IntegrityError.
type LockdownError struct {
	State lockdown.State
	Cause error
}

func (e *LockdownError) Error() string {
	return fmt.Sprintf("engine is in lockdown since %s: %s", e.State.Since.Format(time.RFC3339), e.State.Reason)
}

func (e *LockdownError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrLockdown}
	}
	return []error{ErrLockdown, e.Cause}
}
