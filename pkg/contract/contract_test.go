package contract

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qradle/pkg/invariant"
)

// addModule exports add(i64, i64) -> i64.
var addModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7e, 0x7e, 0x01, 0x7e,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x7c, 0x0b,
}

// addI32Module exports add(i32, i32) -> i32.
var addI32Module = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

func TestFunc(t *testing.T) {
	c := Func(func(_ context.Context, p map[string]any) (any, error) {
		return p["x"], nil
	})
	out, err := c.Invoke(context.Background(), map[string]any{"x": 42})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, invariant.Routine, MinLevelOf(c))
}

func TestWithMinLevel(t *testing.T) {
	base := Func(func(context.Context, map[string]any) (any, error) { return nil, nil })
	c := WithMinLevel(base, invariant.Sensitive)
	assert.Equal(t, invariant.Sensitive, MinLevelOf(c))

	// Wrapping again never lowers the minimum.
	assert.Equal(t, invariant.Sensitive, MinLevelOf(WithMinLevel(c, invariant.Elevated)))
	assert.Equal(t, invariant.Critical, MinLevelOf(WithMinLevel(c, invariant.Critical)))
}

func TestCEL(t *testing.T) {
	c, err := NewCEL(`params.a * params.b + 1`)
	require.NoError(t, err)

	out, err := c.Invoke(context.Background(), map[string]any{"a": 6, "b": 7})
	require.NoError(t, err)
	assert.Equal(t, int64(43), out)

	out, err = c.Invoke(context.Background(), map[string]any{"a": json.Number("2"), "b": json.Number("3")})
	require.NoError(t, err)
	assert.Equal(t, int64(7), out)
}

func TestCEL_StructuredResult(t *testing.T) {
	c, err := NewCEL(`{"total": params.items.size(), "name": params.name}`)
	require.NoError(t, err)

	out, err := c.Invoke(context.Background(), map[string]any{"items": []any{1, 2, 3}, "name": "n"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": float64(3), "name": "n"}, out)
}

func TestCEL_Errors(t *testing.T) {
	_, err := NewCEL(`params.a +`)
	assert.Error(t, err)

	c, err := NewCEL(`params.missing + 1`)
	require.NoError(t, err)
	_, err = c.Invoke(context.Background(), map[string]any{})
	assert.Error(t, err)
}

func TestWASM(t *testing.T) {
	ctx := context.Background()
	w, err := NewWASM(ctx, addModule, "add", "a", "b")
	require.NoError(t, err)
	defer func() { _ = w.Close(ctx) }()

	out, err := w.Invoke(ctx, map[string]any{"a": 40, "b": json.Number("2")})
	require.NoError(t, err)
	assert.Equal(t, int64(42), out)

	// Repeated calls are independent.
	out, err = w.Invoke(ctx, map[string]any{"a": -5, "b": 5})
	require.NoError(t, err)
	assert.Equal(t, int64(0), out)

	_, err = w.Invoke(ctx, map[string]any{"a": 1})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = w.Invoke(ctx, map[string]any{"a": 1, "b": "two"})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

// Values outside the guest's integer width are refused rather than wrapped.
func TestWASM_I32Range(t *testing.T) {
	ctx := context.Background()
	w, err := NewWASM(ctx, addI32Module, "add", "a", "b")
	require.NoError(t, err)
	defer func() { _ = w.Close(ctx) }()

	out, err := w.Invoke(ctx, map[string]any{"a": math.MaxInt32 - 1, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt32), out)

	out, err = w.Invoke(ctx, map[string]any{"a": math.MinInt32, "b": 0})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt32), out)

	for _, bad := range []any{int64(1) << 32, int64(math.MaxInt32) + 1, int64(math.MinInt32) - 1, uint32(math.MaxUint32)} {
		_, err = w.Invoke(ctx, map[string]any{"a": bad, "b": 1})
		assert.ErrorIs(t, err, ErrInvalidParams, "a=%v", bad)
	}
}

func TestToInt64(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    int64
		wantErr bool
	}{
		{name: "int", in: -7, want: -7},
		{name: "uint64 max int64", in: uint64(math.MaxInt64), want: math.MaxInt64},
		{name: "uint64 overflow", in: uint64(math.MaxUint64), wantErr: true},
		{name: "uint overflow", in: uint(math.MaxUint64), wantErr: true},
		{name: "float integral", in: float64(1 << 40), want: 1 << 40},
		{name: "float min int64", in: float64(math.MinInt64), want: math.MinInt64},
		{name: "float 2^63", in: float64(1 << 63), wantErr: true},
		{name: "float below min", in: -float64(1<<63) * 2, wantErr: true},
		{name: "float fraction", in: 1.5, wantErr: true},
		{name: "float nan", in: math.NaN(), wantErr: true},
		{name: "float inf", in: math.Inf(1), wantErr: true},
		{name: "json number", in: json.Number("42"), want: 42},
		{name: "json number overflow", in: json.Number("9223372036854775808"), wantErr: true},
		{name: "string", in: "1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toInt64(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWASM_BadExport(t *testing.T) {
	ctx := context.Background()
	_, err := NewWASM(ctx, addModule, "sub", "a", "b")
	assert.Error(t, err)

	_, err = NewWASM(ctx, addModule, "add", "a")
	assert.Error(t, err)

	_, err = NewWASM(ctx, []byte("not wasm"), "add")
	assert.Error(t, err)
}

func TestWithSchema(t *testing.T) {
	called := 0
	base := WithMinLevel(Func(func(_ context.Context, p map[string]any) (any, error) {
		called++
		return p["amount"], nil
	}), invariant.Elevated)

	c, err := WithSchema(base, "transfer", `{
		"type": "object",
		"required": ["amount"],
		"properties": {"amount": {"type": "integer", "minimum": 0}},
		"additionalProperties": false
	}`)
	require.NoError(t, err)
	assert.Equal(t, invariant.Elevated, MinLevelOf(c))

	out, err := c.Invoke(context.Background(), map[string]any{"amount": 10})
	require.NoError(t, err)
	assert.Equal(t, 10, out)

	for _, bad := range []map[string]any{
		{},
		{"amount": -1},
		{"amount": 1.5},
		{"amount": 1, "extra": true},
		nil,
	} {
		_, err := c.Invoke(context.Background(), bad)
		assert.True(t, errors.Is(err, ErrInvalidParams), "params %v", bad)
	}
	assert.Equal(t, 1, called)
}

func TestWithSchema_BadSchema(t *testing.T) {
	_, err := WithSchema(Func(nil), "bad", `{"type": 12}`)
	assert.Error(t, err)
}
