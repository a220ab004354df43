// Package contract defines the capability interface the engine executes and
// the contract bodies that ship with it.
package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/Mindburn-Labs/qradle/pkg/invariant"
)

// ErrInvalidParams is returned when parameters fail a contract's guard.
var ErrInvalidParams = errors.New("invalid contract parameters")

// Contract is an opaque deterministic function from parameters to output.
// Implementations must not depend on wall-clock time, randomness or hidden
// I/O; the engine's determinism replay detects violations after the fact.
type Contract interface {
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// Func adapts a plain function to Contract.
type Func func(ctx context.Context, params map[string]any) (any, error)

func (f Func) Invoke(ctx context.Context, params map[string]any) (any, error) {
	return f(ctx, params)
}

// Leveled is implemented by contracts that declare a minimum safety level.
// Calls below it are rejected as an authorization downgrade.
type Leveled interface {
	MinLevel() invariant.SafetyLevel
}

// MinLevelOf returns c's declared minimum level, or ROUTINE.
func MinLevelOf(c Contract) invariant.SafetyLevel {
	if l, ok := c.(Leveled); ok {
		return l.MinLevel()
	}
	return invariant.Routine
}

type leveled struct {
	Contract
	min invariant.SafetyLevel
}

func (l leveled) MinLevel() invariant.SafetyLevel { return l.min }

// WithMinLevel declares that c must never run below level.
func WithMinLevel(c Contract, level invariant.SafetyLevel) Contract {
	if inner := MinLevelOf(c); inner > level {
		level = inner
	}
	return leveled{Contract: c, min: level}
}

// toInt64 converts the numeric forms parameters arrive in.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
		if n >= math.MaxInt64 || n < math.MinInt64 {
			return 0, fmt.Errorf("%v overflows int64", n)
		}
		return int64(n), nil
	case json.Number:
		return strconv.ParseInt(string(n), 10, 64)
	default:
		return 0, fmt.Errorf("%T is not a number", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		i, err := toInt64(v)
		return float64(i), err
	}
}

// plain replaces json.Number values with int64 or float64 so expression
// engines see numbers rather than strings.
func plain(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return string(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = plain(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}
		return out
	default:
		return v
	}
}
