package invariant

import (
	"fmt"
	"strings"
)

// SafetyLevel classifies how much authorization evidence a call needs.
type SafetyLevel int

const (
	Routine SafetyLevel = iota
	Elevated
	Sensitive
	Critical
	Existential
)

var levelNames = [...]string{"ROUTINE", "ELEVATED", "SENSITIVE", "CRITICAL", "EXISTENTIAL"}

func (l SafetyLevel) String() string {
	if !l.Valid() {
		return fmt.Sprintf("SafetyLevel(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the five defined levels.
func (l SafetyLevel) Valid() bool {
	return l >= Routine && l <= Existential
}

// ParseSafetyLevel parses a level name, case-insensitively.
func ParseSafetyLevel(s string) (SafetyLevel, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range levelNames {
		if name == up {
			return SafetyLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown safety level %q", s)
}

func (l SafetyLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("unknown safety level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *SafetyLevel) UnmarshalText(b []byte) error {
	parsed, err := ParseSafetyLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Requirement is the evidence a level demands.
type Requirement struct {
	Notice     bool // a notice must be logged before execution
	Authorized bool // the authorization flag must be set
	Approvals  int  // distinct verified approvers
	Board      bool // at least one approver holds the board role
}

// RequirementFor returns the fixed evidence threshold for l.
func RequirementFor(l SafetyLevel) Requirement {
	switch l {
	case Routine:
		return Requirement{}
	case Elevated:
		return Requirement{Notice: true}
	case Sensitive:
		return Requirement{Notice: true, Authorized: true, Approvals: 1}
	case Critical:
		return Requirement{Notice: true, Authorized: true, Approvals: 2}
	default:
		return Requirement{Notice: true, Authorized: true, Approvals: 2, Board: true}
	}
}
