// Package invariant evaluates the fixed runtime predicates that guard every
// contract execution. The Enforcer is pure: it reads facts gathered by the
// engine and never touches the chain or the checkpoint store.
package invariant

import (
	"fmt"
	"sort"
	"strings"
)

// Name identifies one of the fixed invariants.
type Name string

const (
	HumanOversight          Name = "human_oversight"
	ChainIntegrity          Name = "chain_integrity"
	ResultImmutability      Name = "result_immutability"
	AuthorizationPrecedence Name = "authorization_precedence"
	SafetyLevelGating       Name = "safety_level_gating"
	RollbackAvailability    Name = "rollback_availability"
	EventEmission           Name = "event_emission"
	Determinism             Name = "determinism"
)

// All returns every invariant in evaluation order.
func All() []Name {
	return []Name{
		RollbackAvailability,
		SafetyLevelGating,
		HumanOversight,
		AuthorizationPrecedence,
		ChainIntegrity,
		EventEmission,
		ResultImmutability,
		Determinism,
	}
}

// Violation is returned when a predicate fails. It matches other Violations
// with the same invariant under errors.Is.
type Violation struct {
	Invariant Name
	Reason    string
	Context   map[string]any
	Cause     error
}

func (v *Violation) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invariant %s violated: %s", v.Invariant, v.Reason)
	if len(v.Context) > 0 {
		keys := make([]string, 0, len(v.Context))
		for k := range v.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, v.Context[k])
		}
		b.WriteString(")")
	}
	return b.String()
}

func (v *Violation) Unwrap() error { return v.Cause }

func (v *Violation) Is(target error) bool {
	t, ok := target.(*Violation)
	return ok && t.Invariant == v.Invariant
}

// Authorization is the caller-supplied authorization for one call.
type Authorization struct {
	Authorized    bool     `json:"authorized"`
	Credentials   []string `json:"credentials,omitempty"`
	CredentialRef string   `json:"credential_ref,omitempty"`
}

// Evidence is what the credential verifier established about a call's
// credentials. Only verified credentials count.
type Evidence struct {
	Approvers []string // distinct approver subjects
	Board     bool     // one of Approvers holds the board role
	Rejected  []string // reasons for credentials that failed verification
}

// PreFacts are gathered by the engine before a contract runs.
type PreFacts struct {
	Level               SafetyLevel
	MinLevel            SafetyLevel // minimum level the contract declares
	Authorization       Authorization
	Evidence            Evidence
	NoticeLogged        bool
	CheckpointAvailable bool // a verified pre-call checkpoint exists
}

// PostFacts are gathered by the engine after the contract returned and
// before anything is committed.
type PostFacts struct {
	ChainIntact    bool
	ChainErr       error
	EventsQueued   int
	ExecutedDigest string // output digest taken when the contract returned
	CommitDigest   string // output digest recomputed at commit
	ReplaySampled  bool
	ReplayDigest   string
}

// Enforcer evaluates the invariants. The zero value is ready to use.
type Enforcer struct{}

func NewEnforcer() *Enforcer { return &Enforcer{} }

// PreCheck evaluates the invariants that must hold before execution. It
// returns the first *Violation, or nil.
func (e *Enforcer) PreCheck(f PreFacts) error {
	if !f.CheckpointAvailable {
		return &Violation{Invariant: RollbackAvailability, Reason: "no verified pre-call checkpoint"}
	}
	if !f.Level.Valid() {
		return &Violation{
			Invariant: SafetyLevelGating,
			Reason:    "unknown safety level",
			Context:   map[string]any{"level": int(f.Level)},
		}
	}

	req := RequirementFor(f.Level)
	ctx := map[string]any{"level": f.Level.String()}

	if req.Authorized && !f.Authorization.Authorized {
		return &Violation{Invariant: HumanOversight, Reason: "authorization required", Context: ctx}
	}
	if req.Board && !f.Evidence.Board {
		return &Violation{Invariant: HumanOversight, Reason: "board-level approval required", Context: ctx}
	}

	if f.Level < f.MinLevel {
		return &Violation{
			Invariant: AuthorizationPrecedence,
			Reason:    "safety level below the contract minimum",
			Context:   map[string]any{"level": f.Level.String(), "minimum": f.MinLevel.String()},
		}
	}
	if !f.Authorization.Authorized && len(f.Authorization.Credentials) > 0 {
		return &Violation{Invariant: AuthorizationPrecedence, Reason: "credentials presented without authorization", Context: ctx}
	}

	if req.Notice && !f.NoticeLogged {
		return &Violation{Invariant: SafetyLevelGating, Reason: "notice not logged", Context: ctx}
	}
	if n := len(f.Evidence.Approvers); n < req.Approvals {
		ctx["approvers"] = n
		ctx["required"] = req.Approvals
		if len(f.Evidence.Rejected) > 0 {
			ctx["rejected"] = strings.Join(f.Evidence.Rejected, "; ")
		}
		return &Violation{Invariant: SafetyLevelGating, Reason: "insufficient approvals", Context: ctx}
	}
	return nil
}

// PostCheck evaluates the invariants that must hold before commit.
func (e *Enforcer) PostCheck(f PostFacts) error {
	if !f.ChainIntact {
		return &Violation{Invariant: ChainIntegrity, Reason: "hash chain failed verification", Cause: f.ChainErr}
	}
	if f.EventsQueued < 1 {
		return &Violation{Invariant: EventEmission, Reason: "no audit event queued for call"}
	}
	if f.ExecutedDigest == "" || f.ExecutedDigest != f.CommitDigest {
		return &Violation{
			Invariant: ResultImmutability,
			Reason:    "output changed between execution and commit",
			Context:   map[string]any{"executed": f.ExecutedDigest, "commit": f.CommitDigest},
		}
	}
	if f.ReplaySampled && f.ReplayDigest != f.ExecutedDigest {
		return &Violation{
			Invariant: Determinism,
			Reason:    "replay produced a different output digest",
			Context:   map[string]any{"output": f.ExecutedDigest, "replay": f.ReplayDigest},
		}
	}
	return nil
}
