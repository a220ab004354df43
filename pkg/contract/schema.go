package contract

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/qradle/pkg/canonicalize"
	"github.com/Mindburn-Labs/qradle/pkg/invariant"
)

type guarded struct {
	Contract
	schema *jsonschema.Schema
}

// WithSchema rejects calls whose parameters do not validate against the
// JSON Schema (draft 2020-12) in schemaJSON.
func WithSchema(c Contract, name, schemaJSON string) (Contract, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://qradle.schemas.local/contracts/%s.schema.json", name)
	if err := compiler.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("contract: load schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("contract: compile schema: %w", err)
	}
	return guarded{Contract: c, schema: schema}, nil
}

func (g guarded) MinLevel() invariant.SafetyLevel { return MinLevelOf(g.Contract) }

func (g guarded) Invoke(ctx context.Context, params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	// Validate the canonical JSON form so Go-typed values are checked the
	// way they will be recorded.
	raw, err := canonicalize.JCS(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	var doc any
	if err := canonicalize.Decode(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := g.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return g.Contract.Invoke(ctx, params)
}
