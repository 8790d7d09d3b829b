package wakit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wakit/wakit/api"
	"github.com/wakit/wakit/experimental/logging"
	"github.com/wakit/wakit/internal/wasm"
	"github.com/wakit/wakit/internal/wasm/binary"
)

func TestHostModuleBuilder_Instantiate(t *testing.T) {
	r := NewRuntime()
	env, err := r.NewHostModuleBuilder("env").
		ExportFunction("double", func(x uint32) uint32 { return x * 2 }).
		ExportGoModuleFunction("negate", []api.ValueType{api.ValueTypeI64}, []api.ValueType{api.ValueTypeI64},
			func(_ context.Context, _ api.Module, params []uint64) ([]uint64, error) {
				return []uint64{uint64(-int64(params[0]))}, nil
			}).
		ExportMemoryWithMax("memory", 1, 2).
		ExportTable("table", 4).
		ExportGlobalI32("i32", -1).
		ExportGlobalI64("i64", 2).
		ExportGlobalF32("f32", 1.5).
		ExportGlobalF64("f64", 2.5).
		ExportMutableGlobal("counter", api.ValueTypeI32, 7).
		Instantiate(testCtx)
	require.NoError(t, err)
	require.Equal(t, "env", env.Name())
	require.Equal(t, env, r.Module("env"))

	results, err := env.ExportedFunction("double").Call(testCtx, 21)
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, results)

	results, err = env.ExportedFunction("negate").Call(testCtx, 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{uint64(^uint64(0) - 2)}, results)

	mem := env.ExportedMemory("memory")
	require.Equal(t, uint64(wasm.MemoryPageSize), mem.Size())
	_, ok := mem.Grow(2)
	require.False(t, ok)

	require.Equal(t, uint32(4), env.ExportedTable("table").Size())

	require.Equal(t, uint64(0xffffffff), env.ExportedGlobal("i32").Get())
	require.Equal(t, uint64(2), env.ExportedGlobal("i64").Get())
	require.Equal(t, float32(1.5), api.DecodeF32(env.ExportedGlobal("f32").Get()))
	require.Equal(t, 2.5, api.DecodeF64(env.ExportedGlobal("f64").Get()))

	_, ok = env.ExportedGlobal("i32").(api.MutableGlobal)
	require.False(t, ok)
	counter, ok := env.ExportedGlobal("counter").(api.MutableGlobal)
	require.True(t, ok)
	counter.Set(8)
	require.Equal(t, uint64(8), env.ExportedGlobal("counter").Get())
}

func TestHostModuleBuilder_ExportReplaces(t *testing.T) {
	env, err := NewRuntime().NewHostModuleBuilder("env").
		ExportFunction("f", func() uint32 { return 1 }).
		ExportGlobalI32("g", 1).
		ExportFunction("f", func() uint32 { return 2 }).
		Instantiate(testCtx)
	require.NoError(t, err)

	results, err := env.ExportedFunction("f").Call(testCtx)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, results)
}

func TestHostModuleBuilder_Instantiate_Errors(t *testing.T) {
	tests := []struct {
		name        string
		input       func(Runtime) HostModuleBuilder
		expectedErr string
	}{
		{
			name: "not a func",
			input: func(r Runtime) HostModuleBuilder {
				return r.NewHostModuleBuilder("env").ExportFunction("f", 1)
			},
			expectedErr: "link error: module[env]: f is a int, but should be a Func",
		},
		{
			name: "nil GoModuleFunc",
			input: func(r Runtime) HostModuleBuilder {
				return r.NewHostModuleBuilder("env").ExportGoModuleFunction("f", nil, nil, nil)
			},
			expectedErr: `link error: module[env]: function "f" is nil`,
		},
		{
			name: "memory min over max",
			input: func(r Runtime) HostModuleBuilder {
				return r.NewHostModuleBuilder("env").ExportMemoryWithMax("memory", 2, 1)
			},
			expectedErr: "link error: module[env]: memory[memory] min 2 pages > max 1 pages",
		},
		{
			name: "memory over limit",
			input: func(r Runtime) HostModuleBuilder {
				return r.NewHostModuleBuilder("env").ExportMemory("memory", 65537)
			},
			expectedErr: "link error: module[env]: memory[memory] min 65537 pages over limit of 65536 pages",
		},
		{
			name: "errors are combined",
			input: func(r Runtime) HostModuleBuilder {
				return r.NewHostModuleBuilder("env").
					ExportGoModuleFunction("f", nil, nil, nil).
					ExportTable("t", wasm.TableLimitElements+1)
			},
			expectedErr: `link error: module[env]: function "f" is nil; table[t] min 10000001 elements over limit of 10000000`,
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.input(NewRuntime()).Instantiate(testCtx)
			require.EqualError(t, err, tc.expectedErr)
		})
	}
}

func TestHostModuleBuilder_Instantiate_DuplicateName(t *testing.T) {
	r := NewRuntime()
	_, err := r.NewHostModuleBuilder("env").Instantiate(testCtx)
	require.NoError(t, err)

	_, err = r.NewHostModuleBuilder("env").Instantiate(testCtx)
	require.ErrorIs(t, err, ErrModuleNameAlreadyRegistered)
}

// TestHostModuleBuilder_Reentrance ensures a host function can call back into the module that called it.
func TestHostModuleBuilder_Reentrance(t *testing.T) {
	r := NewRuntime()
	_, err := r.NewHostModuleBuilder("env").
		ExportFunction("callback", func(ctx context.Context, m api.Module, x uint32) (uint32, error) {
			results, err := m.ExportedFunction("inc").Call(ctx, uint64(x))
			if err != nil {
				return 0, err
			}
			return uint32(results[0]) * 10, nil
		}).
		Instantiate(testCtx)
	require.NoError(t, err)

	source := binary.EncodeModule(&wasm.Module{
		TypeSection:   []*wasm.FunctionType{i32_i32},
		ImportSection: []*wasm.Import{{Type: api.ExternTypeFunc, Module: "env", Name: "callback", DescFunc: 0}},
		// inc is local function index 1, run is 2.
		FunctionSection: []wasm.Index{0, 0},
		CodeSection: []*wasm.Code{
			{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Const, 1, wasm.OpcodeI32Add, wasm.OpcodeEnd}},
			{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeCall, 0, wasm.OpcodeEnd}},
		},
		ExportSection: []*wasm.Export{
			{Type: api.ExternTypeFunc, Name: "inc", Index: 1},
			{Type: api.ExternTypeFunc, Name: "run", Index: 2},
		},
	})
	m, err := r.InstantiateModuleFromBinary(testCtx, source)
	require.NoError(t, err)

	results, err := m.ExportedFunction("run").Call(testCtx, 4)
	require.NoError(t, err)
	require.Equal(t, []uint64{50}, results)
}

func TestHostModuleBuilder_HostError(t *testing.T) {
	errBoom := errors.New("boom")
	r := NewRuntime()
	_, err := r.NewHostModuleBuilder("env").
		ExportFunction("fail", func() error { return errBoom }).
		Instantiate(testCtx)
	require.NoError(t, err)

	source := binary.EncodeModule(&wasm.Module{
		TypeSection:     []*wasm.FunctionType{null_null},
		ImportSection:   []*wasm.Import{{Type: api.ExternTypeFunc, Module: "env", Name: "fail", DescFunc: 0}},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []*wasm.Code{{Body: []byte{wasm.OpcodeCall, 0, wasm.OpcodeEnd}}},
		ExportSection:   []*wasm.Export{{Type: api.ExternTypeFunc, Name: "run", Index: 1}},
	})
	m, err := r.InstantiateModuleFromBinary(testCtx, source)
	require.NoError(t, err)

	// Host errors are returned as is, rather than as a trap.
	_, err = m.ExportedFunction("run").Call(testCtx)
	require.Equal(t, errBoom, err)
}

// TestHostModuleBuilder_Reentrance_CallStackCeiling ensures recursion between a host function and Wasm is bounded,
// even when the host function doesn't propagate its context.
func TestHostModuleBuilder_Reentrance_CallStackCeiling(t *testing.T) {
	r := NewRuntimeWithConfig(NewRuntimeConfig().WithCallStackCeiling(20))
	_, err := r.NewHostModuleBuilder("env").
		ExportFunction("rec", func(m api.Module, x uint32) (uint32, error) {
			if x == 0 {
				return 0, nil
			}
			results, err := m.ExportedFunction("rec").Call(context.Background(), uint64(x-1))
			if err != nil {
				return 0, err
			}
			return uint32(results[0]) + 1, nil
		}).
		Instantiate(testCtx)
	require.NoError(t, err)

	source := binary.EncodeModule(&wasm.Module{
		TypeSection:     []*wasm.FunctionType{i32_i32},
		ImportSection:   []*wasm.Import{{Type: api.ExternTypeFunc, Module: "env", Name: "rec", DescFunc: 0}},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []*wasm.Code{{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeCall, 0, wasm.OpcodeEnd}}},
		ExportSection:   []*wasm.Export{{Type: api.ExternTypeFunc, Name: "rec", Index: 1}},
	})
	m, err := r.InstantiateModuleFromBinary(testCtx, source)
	require.NoError(t, err)

	results, err := m.ExportedFunction("rec").Call(testCtx, 5)
	require.NoError(t, err)
	require.Equal(t, []uint64{5}, results)

	_, err = m.ExportedFunction("rec").Call(testCtx, 500)
	require.ErrorIs(t, err, ErrCallStackExhausted)
}

func TestHostModuleBuilder_FunctionListener(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := NewRuntimeWithConfig(NewRuntimeConfig().WithFunctionListener(logging.NewHostLoggingListener(zap.New(core))))
	_, err := r.NewHostModuleBuilder("env").
		ExportFunction("double", func(x uint32) uint32 { return x * 2 }).
		Instantiate(testCtx)
	require.NoError(t, err)

	source := binary.EncodeModule(&wasm.Module{
		TypeSection:     []*wasm.FunctionType{i32_i32},
		ImportSection:   []*wasm.Import{{Type: api.ExternTypeFunc, Module: "env", Name: "double", DescFunc: 0}},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []*wasm.Code{{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeCall, 0, wasm.OpcodeEnd}}},
		ExportSection:   []*wasm.Export{{Type: api.ExternTypeFunc, Name: "double", Index: 1}},
	})
	m, err := r.InstantiateModuleFromBinary(testCtx, source)
	require.NoError(t, err)

	results, err := m.ExportedFunction("double").Call(testCtx, 21)
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, results)

	entries := logs.AllUntimed()
	require.Equal(t, 2, len(entries))
	require.Equal(t, "==> env.double", entries[0].Message)
	require.Equal(t, map[string]interface{}{"params": []interface{}{"21"}}, entries[0].ContextMap())
	require.Equal(t, "<== env.double", entries[1].Message)
	require.Equal(t, map[string]interface{}{"results": []interface{}{"42"}}, entries[1].ContextMap())
}
