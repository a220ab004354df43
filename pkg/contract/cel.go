package contract

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultCELCostLimit bounds the evaluation cost of one CEL contract call.
const DefaultCELCostLimit = 1_000_000

// CEL is a contract whose body is a CEL expression over the variable params.
type CEL struct {
	expr string
	prg  cel.Program
}

// NewCEL compiles expr. The expression sees the call parameters as
// params (map(string, dyn)).
func NewCEL(expr string) (*CEL, error) {
	env, err := cel.NewEnv(
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("contract: compile CEL: %w", issues.Err())
	}
	prg, err := env.Program(ast, cel.CostLimit(DefaultCELCostLimit))
	if err != nil {
		return nil, fmt.Errorf("contract: program CEL: %w", err)
	}
	return &CEL{expr: expr, prg: prg}, nil
}

// Expression returns the source expression.
func (c *CEL) Expression() string { return c.expr }

func (c *CEL) Invoke(ctx context.Context, params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	val, _, err := c.prg.ContextEval(ctx, map[string]any{"params": plain(params)})
	if err != nil {
		return nil, fmt.Errorf("contract: evaluate CEL: %w", err)
	}
	return nativeValue(val)
}

var jsonValueType = reflect.TypeOf(&structpb.Value{})

func nativeValue(val ref.Val) (any, error) {
	switch v := val.(type) {
	case types.Int:
		return int64(v), nil
	case types.Uint:
		return uint64(v), nil
	case types.Double:
		return float64(v), nil
	case types.String:
		return string(v), nil
	case types.Bool:
		return bool(v), nil
	case types.Null:
		return nil, nil
	}
	native, err := val.ConvertToNative(jsonValueType)
	if err != nil {
		return nil, fmt.Errorf("contract: CEL result of type %s: %w", val.Type(), err)
	}
	return native.(*structpb.Value).AsInterface(), nil
}
