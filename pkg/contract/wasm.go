package contract

import (
	"context"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// DefaultWASMMemoryPages caps guest memory at 16 MiB.
const DefaultWASMMemoryPages = 256

// WASM is a contract whose body is one exported function of a WebAssembly
// module. Parameters are passed positionally by name; the function must take
// and return numeric values. The module gets no host imports, so it has no
// clock, randomness or I/O.
type WASM struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	export   string
	args     []string
	params   []api.ValueType
	result   api.ValueType
}

// NewWASM compiles module and checks that export exists with len(args)
// parameters and exactly one result.
func NewWASM(ctx context.Context, module []byte, export string, args ...string) (*WASM, error) {
	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(DefaultWASMMemoryPages).
		WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	compiled, err := r.CompileModule(ctx, module)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("contract: compile wasm: %w", err)
	}
	def, ok := compiled.ExportedFunctions()[export]
	if !ok {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("contract: wasm export %q not found", export)
	}
	if len(def.ParamTypes()) != len(args) {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("contract: wasm export %q takes %d params, %d names given", export, len(def.ParamTypes()), len(args))
	}
	if len(def.ResultTypes()) != 1 {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("contract: wasm export %q must return one value", export)
	}
	return &WASM{
		runtime:  r,
		compiled: compiled,
		export:   export,
		args:     args,
		params:   def.ParamTypes(),
		result:   def.ResultTypes()[0],
	}, nil
}

// Invoke instantiates a fresh module so no guest state survives between
// calls.
func (w *WASM) Invoke(ctx context.Context, params map[string]any) (any, error) {
	stack := make([]uint64, len(w.args))
	for i, name := range w.args {
		v, ok := params[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrInvalidParams, name)
		}
		enc, err := encodeValue(w.params[i], v)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidParams, name, err)
		}
		stack[i] = enc
	}

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("contract: instantiate wasm: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	res, err := mod.ExportedFunction(w.export).Call(ctx, stack...)
	if err != nil {
		return nil, fmt.Errorf("contract: wasm %s: %w", w.export, err)
	}
	return decodeValue(w.result, res[0]), nil
}

// Close releases the runtime.
func (w *WASM) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func encodeValue(t api.ValueType, v any) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		i, err := toInt64(v)
		if err != nil {
			return 0, err
		}
		if i < math.MinInt32 || i > math.MaxInt32 {
			return 0, fmt.Errorf("%d overflows i32", i)
		}
		return api.EncodeI32(int32(i)), nil
	case api.ValueTypeI64:
		i, err := toInt64(v)
		return api.EncodeI64(i), err
	case api.ValueTypeF32:
		f, err := toFloat64(v)
		if err != nil {
			return 0, err
		}
		if !math.IsInf(f, 0) && math.Abs(f) > math.MaxFloat32 {
			return 0, fmt.Errorf("%v overflows f32", f)
		}
		return api.EncodeF32(float32(f)), nil
	case api.ValueTypeF64:
		f, err := toFloat64(v)
		return api.EncodeF64(f), err
	default:
		return 0, fmt.Errorf("unsupported wasm type %s", api.ValueTypeName(t))
	}
}

func decodeValue(t api.ValueType, raw uint64) any {
	switch t {
	case api.ValueTypeI32:
		return int64(api.DecodeI32(raw))
	case api.ValueTypeF32:
		return float64(api.DecodeF32(raw))
	case api.ValueTypeF64:
		return api.DecodeF64(raw)
	default:
		return int64(raw)
	}
}
