package interpreter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wakit/wakit/api"
	"github.com/wakit/wakit/internal/wasm"
)

// testCtx is an arbitrary, non-default context. Non-nil also prevents linter errors.
var testCtx = context.WithValue(context.Background(), struct{}{}, "arbitrary")

var (
	i32, i64 = wasm.ValueTypeI32, wasm.ValueTypeI64
)

// testFunc is an exported Wasm function of a module built by newModule.
type testFunc struct {
	name   string
	typ    *wasm.FunctionType
	locals []wasm.ValueType
	body   []byte
}

// newModule returns a module defining each function with its own type, exported under its name.
func newModule(funcs ...testFunc) *wasm.Module {
	m := &wasm.Module{}
	for i, f := range funcs {
		m.TypeSection = append(m.TypeSection, f.typ)
		m.FunctionSection = append(m.FunctionSection, wasm.Index(i))
		m.CodeSection = append(m.CodeSection, &wasm.Code{LocalTypes: f.locals, Body: f.body})
		m.ExportSection = append(m.ExportSection, &wasm.Export{Type: wasm.ExternTypeFunc, Name: f.name, Index: wasm.Index(i)})
	}
	return m
}

func instantiate(t *testing.T, cfg EngineConfig, m *wasm.Module) api.Module {
	s := wasm.NewStore(NewEngine(cfg), nil)
	mi, err := s.Instantiate(testCtx, m, "test", nil)
	require.NoError(t, err)
	return s.ModuleView(mi.ID)
}

func call(t *testing.T, mod api.Module, name string, params ...uint64) ([]uint64, error) {
	fn := mod.ExportedFunction(name)
	require.NotNil(t, fn, name)
	return fn.Call(testCtx, params...)
}

func requireTrap(t *testing.T, err error, kind error) *wasm.Trap {
	require.ErrorIs(t, err, kind)
	var trap *wasm.Trap
	require.True(t, errors.As(err, &trap), "%v is not a trap", err)
	return trap
}

var (
	addType  = &wasm.FunctionType{Params: []wasm.ValueType{i32, i32}, Results: []wasm.ValueType{i32}}
	i32Type  = &wasm.FunctionType{Params: []wasm.ValueType{i32}, Results: []wasm.ValueType{i32}}
	voidType = &wasm.FunctionType{}
)

func binaryI32(name string, opcode wasm.Opcode) testFunc {
	return testFunc{name: name, typ: addType, body: []byte{
		wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, opcode, wasm.OpcodeEnd,
	}}
}

func TestEngine_Call_Add(t *testing.T) {
	mod := instantiate(t, EngineConfig{}, newModule(binaryI32("add", wasm.OpcodeI32Add)))

	tests := []struct {
		name     string
		x, y     uint32
		expected uint32
	}{
		{name: "2+3", x: 2, y: 3, expected: 5},
		{name: "wraps", x: math.MaxUint32, y: 1, expected: 0},
		{name: "negative", x: 0xfffffffd, y: 1, expected: 0xfffffffe},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			results, err := call(t, mod, "add", uint64(tc.x), uint64(tc.y))
			require.NoError(t, err)
			require.Equal(t, []uint64{uint64(tc.expected)}, results)
		})
	}
}

func TestEngine_Call_IntegerWraparound(t *testing.T) {
	binaryI64 := func(name string, opcode wasm.Opcode) testFunc {
		return testFunc{name: name, typ: &wasm.FunctionType{Params: []wasm.ValueType{i64, i64}, Results: []wasm.ValueType{i64}},
			body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, opcode, wasm.OpcodeEnd}}
	}
	mod := instantiate(t, EngineConfig{}, newModule(
		binaryI32("i32.sub", wasm.OpcodeI32Sub),
		binaryI32("i32.mul", wasm.OpcodeI32Mul),
		binaryI64("i64.add", wasm.OpcodeI64Add),
		binaryI64("i64.mul", wasm.OpcodeI64Mul),
	))

	for _, x := range []uint64{0, 1, 0x7fffffff, 0x80000000, 0xffffffff} {
		for _, y := range []uint64{0, 1, 3, 0xffffffff} {
			results, err := call(t, mod, "i32.sub", x, y)
			require.NoError(t, err)
			require.Equal(t, uint64(uint32(x)-uint32(y)), results[0])

			results, err = call(t, mod, "i32.mul", x, y)
			require.NoError(t, err)
			require.Equal(t, uint64(uint32(x)*uint32(y)), results[0])
		}
	}

	results, err := call(t, mod, "i64.add", math.MaxUint64, 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, results)

	results, err = call(t, mod, "i64.mul", 1<<63, 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, results)
}

func TestEngine_Call_Division(t *testing.T) {
	mod := instantiate(t, EngineConfig{}, newModule(
		binaryI32("div_s", wasm.OpcodeI32DivS),
		binaryI32("div_u", wasm.OpcodeI32DivU),
		binaryI32("rem_s", wasm.OpcodeI32RemS),
		binaryI32("rem_u", wasm.OpcodeI32RemU),
		binaryI32("add", wasm.OpcodeI32Add),
	))
	minI32 := uint64(0x80000000)
	minusOne := uint64(0xffffffff)

	tests := []struct {
		name, fn    string
		x, y        uint64
		expected    uint64
		expectedErr error
	}{
		{name: "div_s", fn: "div_s", x: uint64(api.EncodeI32(-7)), y: 2, expected: uint64(api.EncodeI32(-3))},
		{name: "div_u", fn: "div_u", x: minusOne, y: 2, expected: 0x7fffffff},
		{name: "rem_s sign of dividend", fn: "rem_s", x: uint64(api.EncodeI32(-7)), y: 2, expected: minusOne},
		{name: "rem_u", fn: "rem_u", x: 7, y: 2, expected: 1},
		{name: "div_s by zero", fn: "div_s", x: 1, y: 0, expectedErr: wasm.ErrIntegerDivideByZero},
		{name: "div_u by zero", fn: "div_u", x: 1, y: 0, expectedErr: wasm.ErrIntegerDivideByZero},
		{name: "rem_s by zero", fn: "rem_s", x: 1, y: 0, expectedErr: wasm.ErrIntegerDivideByZero},
		{name: "rem_u by zero", fn: "rem_u", x: 1, y: 0, expectedErr: wasm.ErrIntegerDivideByZero},
		{name: "div_s overflow", fn: "div_s", x: minI32, y: minusOne, expectedErr: wasm.ErrIntegerOverflow},
		{name: "rem_s of min by -1", fn: "rem_s", x: minI32, y: minusOne, expected: 0},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			results, err := call(t, mod, tc.fn, tc.x, tc.y)
			if tc.expectedErr != nil {
				trap := requireTrap(t, err, tc.expectedErr)
				require.Equal(t, "test."+tc.fn, trap.FunctionName)
				require.Nil(t, results)
			} else {
				require.NoError(t, err)
				require.Equal(t, []uint64{tc.expected}, results)
			}
		})
	}

	// A trap aborts only the invocation that raised it.
	results, err := call(t, mod, "add", 5, 7)
	require.NoError(t, err)
	require.Equal(t, []uint64{12}, results)
}

func TestEngine_Call_ControlFlow(t *testing.T) {
	mod := instantiate(t, EngineConfig{}, newModule(
		testFunc{name: "sum", typ: i32Type, locals: []wasm.ValueType{i32}, body: []byte{
			wasm.OpcodeBlock, 0x40,
			wasm.OpcodeLoop, 0x40,
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Eqz, wasm.OpcodeBrIf, 1,
			wasm.OpcodeLocalGet, 1, wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Add, wasm.OpcodeLocalSet, 1,
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Const, 1, wasm.OpcodeI32Sub, wasm.OpcodeLocalSet, 0,
			wasm.OpcodeBr, 0,
			wasm.OpcodeEnd,
			wasm.OpcodeEnd,
			wasm.OpcodeLocalGet, 1,
			wasm.OpcodeEnd,
		}},
		testFunc{name: "choose", typ: i32Type, body: []byte{
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeIf, 0x7f, wasm.OpcodeI32Const, 10,
			wasm.OpcodeElse, wasm.OpcodeI32Const, 20,
			wasm.OpcodeEnd,
			wasm.OpcodeEnd,
		}},
		testFunc{name: "switch", typ: i32Type, body: []byte{
			wasm.OpcodeBlock, 0x40,
			wasm.OpcodeBlock, 0x40,
			wasm.OpcodeBlock, 0x40,
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeBrTable, 2, 0, 1, 2,
			wasm.OpcodeEnd,
			wasm.OpcodeI32Const, 10, wasm.OpcodeReturn,
			wasm.OpcodeEnd,
			wasm.OpcodeI32Const, 11, wasm.OpcodeReturn,
			wasm.OpcodeEnd,
			wasm.OpcodeI32Const, 12,
			wasm.OpcodeEnd,
		}},
		testFunc{name: "if without else", typ: i32Type, body: []byte{
			wasm.OpcodeI32Const, 1,
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeIf, 0x40, wasm.OpcodeI32Const, 2, wasm.OpcodeDrop, wasm.OpcodeEnd,
			wasm.OpcodeEnd,
		}},
	))

	tests := []struct {
		fn       string
		param    uint64
		expected uint64
	}{
		{fn: "sum", param: 10, expected: 55},
		{fn: "sum", param: 0, expected: 0},
		{fn: "choose", param: 1, expected: 10},
		{fn: "choose", param: 0, expected: 20},
		{fn: "switch", param: 0, expected: 10},
		{fn: "switch", param: 1, expected: 11},
		{fn: "switch", param: 2, expected: 12},
		{fn: "switch", param: 1000, expected: 12},
		{fn: "if without else", param: 0, expected: 1},
		{fn: "if without else", param: 1, expected: 1},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.fn, func(t *testing.T) {
			results, err := call(t, mod, tc.fn, tc.param)
			require.NoError(t, err)
			require.Equal(t, []uint64{tc.expected}, results)
		})
	}
}

func TestEngine_Call_BranchArity(t *testing.T) {
	resultI32 := &wasm.FunctionType{Results: []wasm.ValueType{i32}}
	m := newModule(
		// The branch skips the second constant.
		testFunc{name: "skip", typ: resultI32, body: []byte{
			wasm.OpcodeBlock, 0x7f,
			wasm.OpcodeI32Const, 1, wasm.OpcodeBr, 0, wasm.OpcodeI32Const, 2,
			wasm.OpcodeEnd,
			wasm.OpcodeEnd,
		}},
		// Values below the branch arity are discarded.
		testFunc{name: "br", typ: resultI32, body: []byte{
			wasm.OpcodeI32Const, 7,
			wasm.OpcodeBlock, 0x7f,
			wasm.OpcodeI32Const, 1, wasm.OpcodeI32Const, 2, wasm.OpcodeBr, 0,
			wasm.OpcodeEnd,
			wasm.OpcodeI32Add,
			wasm.OpcodeEnd,
		}},
		// A branch to a loop carries its params, not its results.
		testFunc{name: "loop params", typ: resultI32, locals: []wasm.ValueType{i32}, body: []byte{
			wasm.OpcodeI32Const, 0,
			wasm.OpcodeLoop, 0x03, // type[3]: i32 -> i32
			wasm.OpcodeI32Const, 1, wasm.OpcodeI32Add,
			wasm.OpcodeLocalTee, 0,
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Const, 5, wasm.OpcodeI32LtU,
			wasm.OpcodeBrIf, 0,
			wasm.OpcodeEnd,
			wasm.OpcodeEnd,
		}},
		testFunc{name: "params", typ: i32Type, body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeEnd}},
		// A multi-value block takes a param and returns two values.
		testFunc{name: "multi", typ: i32Type, body: []byte{
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeBlock, 0x05, // type[5]: i32 -> i32 i32
			wasm.OpcodeI32Const, 10,
			wasm.OpcodeEnd,
			wasm.OpcodeI32Add,
			wasm.OpcodeEnd,
		}},
		testFunc{name: "pair", typ: &wasm.FunctionType{Params: []wasm.ValueType{i32}, Results: []wasm.ValueType{i32, i32}},
			body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Const, 1, wasm.OpcodeEnd}},
		testFunc{name: "swap", typ: &wasm.FunctionType{Params: []wasm.ValueType{i32, i32}, Results: []wasm.ValueType{i32, i32}},
			body: []byte{wasm.OpcodeLocalGet, 1, wasm.OpcodeLocalGet, 0, wasm.OpcodeEnd}},
	)
	mod := instantiate(t, EngineConfig{}, m)

	results, err := call(t, mod, "skip")
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, results)

	results, err = call(t, mod, "br")
	require.NoError(t, err)
	require.Equal(t, []uint64{9}, results)

	results, err = call(t, mod, "loop params")
	require.NoError(t, err)
	require.Equal(t, []uint64{5}, results)

	results, err = call(t, mod, "multi", 5)
	require.NoError(t, err)
	require.Equal(t, []uint64{15}, results)

	results, err = call(t, mod, "swap", 1, 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 1}, results)
}

func TestEngine_Call_Recursion(t *testing.T) {
	facType := &wasm.FunctionType{Params: []wasm.ValueType{i64}, Results: []wasm.ValueType{i64}}
	mod := instantiate(t, EngineConfig{}, newModule(testFunc{name: "fac", typ: facType, body: []byte{
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Eqz,
		wasm.OpcodeIf, 0x7e,
		wasm.OpcodeI64Const, 1,
		wasm.OpcodeElse,
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Const, 1, wasm.OpcodeI64Sub,
		wasm.OpcodeCall, 0,
		wasm.OpcodeI64Mul,
		wasm.OpcodeEnd,
		wasm.OpcodeEnd,
	}}))

	results, err := call(t, mod, "fac", 20)
	require.NoError(t, err)
	require.Equal(t, []uint64{2432902008176640000}, results)
}

func TestEngine_Call_CallStackExhausted(t *testing.T) {
	mod := instantiate(t, EngineConfig{CallStackCeiling: 100}, newModule(testFunc{name: "recurse", typ: voidType, body: []byte{
		wasm.OpcodeCall, 0, wasm.OpcodeEnd,
	}}))

	_, err := call(t, mod, "recurse")
	trap := requireTrap(t, err, wasm.ErrCallStackExhausted)
	require.False(t, trap.Fatal())
	require.Equal(t, "test.recurse", trap.FunctionName)
	require.Equal(t, 100, len(trap.Backtrace))
}

func TestEngine_Call_Fuel(t *testing.T) {
	m := newModule(testFunc{name: "spin", typ: voidType, body: []byte{
		wasm.OpcodeLoop, 0x40, wasm.OpcodeBr, 0, wasm.OpcodeEnd, wasm.OpcodeEnd,
	}})
	mod := instantiate(t, EngineConfig{Fuel: 1000}, m)

	_, err := call(t, mod, "spin")
	requireTrap(t, err, wasm.ErrFuelExhausted)

	// Each invocation has its own budget.
	_, err = call(t, mod, "spin")
	requireTrap(t, err, wasm.ErrFuelExhausted)
}

func TestEngine_Call_ContextDone(t *testing.T) {
	mod := instantiate(t, EngineConfig{CloseOnContextDone: true}, newModule(testFunc{name: "spin", typ: voidType, body: []byte{
		wasm.OpcodeLoop, 0x40, wasm.OpcodeBr, 0, wasm.OpcodeEnd, wasm.OpcodeEnd,
	}}))

	ctx, cancel := context.WithCancel(testCtx)
	cancel()
	_, err := mod.ExportedFunction("spin").Call(ctx)
	requireTrap(t, err, wasm.ErrContextDone)
}

func TestEngine_Call_Unreachable(t *testing.T) {
	mod := instantiate(t, EngineConfig{}, newModule(
		testFunc{name: "outer", typ: voidType, body: []byte{wasm.OpcodeCall, 1, wasm.OpcodeEnd}},
		testFunc{name: "inner", typ: voidType, body: []byte{wasm.OpcodeUnreachable, wasm.OpcodeEnd}},
	))

	_, err := call(t, mod, "outer")
	trap := requireTrap(t, err, wasm.ErrUnreachable)
	require.Equal(t, "test.inner", trap.FunctionName)
	require.Equal(t, []string{"test.inner", "test.outer"}, trap.Backtrace)
	require.Equal(t, "wasm trap: unreachable\nwasm backtrace:\n\t0: test.inner\n\t1: test.outer", trap.Error())
}

func TestEngine_Call_InvariantViolation(t *testing.T) {
	resultI32 := &wasm.FunctionType{Results: []wasm.ValueType{i32}}
	mod := instantiate(t, EngineConfig{}, newModule(
		testFunc{name: "underflow", typ: resultI32, body: []byte{wasm.OpcodeI32Add, wasm.OpcodeEnd}},
		testFunc{name: "missing result", typ: resultI32, body: []byte{wasm.OpcodeEnd}},
		testFunc{name: "unsupported", typ: voidType, body: []byte{0xfd, 0x00, wasm.OpcodeEnd}},
	))

	for _, name := range []string{"underflow", "missing result", "unsupported"} {
		fn := name
		t.Run(fn, func(t *testing.T) {
			_, err := call(t, mod, fn)
			trap := requireTrap(t, err, wasm.ErrInvariantViolation)
			require.True(t, trap.Fatal())
		})
	}
}

func TestEngine_Call_Truncation(t *testing.T) {
	f64ToI32 := &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeF64}, Results: []wasm.ValueType{i32}}
	mod := instantiate(t, EngineConfig{}, newModule(
		testFunc{name: "trunc", typ: f64ToI32, body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeI32TruncF64S, wasm.OpcodeEnd}},
		testFunc{name: "trunc_sat", typ: f64ToI32, body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeMiscPrefix, wasm.OpcodeMiscI32TruncSatF64S, wasm.OpcodeEnd,
		}},
	))

	tests := []struct {
		name        string
		fn          string
		v           float64
		expected    uint64
		expectedErr error
	}{
		{name: "trunc", fn: "trunc", v: -3.9, expected: uint64(api.EncodeI32(-3))},
		{name: "trunc NaN", fn: "trunc", v: math.NaN(), expectedErr: wasm.ErrInvalidConversionToInteger},
		{name: "trunc overflow", fn: "trunc", v: 3e9, expectedErr: wasm.ErrIntegerOverflow},
		{name: "trunc_sat NaN", fn: "trunc_sat", v: math.NaN(), expected: 0},
		{name: "trunc_sat overflow", fn: "trunc_sat", v: 3e9, expected: math.MaxInt32},
		{name: "trunc_sat underflow", fn: "trunc_sat", v: -3e9, expected: 0x80000000},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			results, err := call(t, mod, tc.fn, api.EncodeF64(tc.v))
			if tc.expectedErr != nil {
				requireTrap(t, err, tc.expectedErr)
			} else {
				require.NoError(t, err)
				require.Equal(t, []uint64{tc.expected}, results)
			}
		})
	}
}

func TestEngine_Call_Memory(t *testing.T) {
	max := uint32(2)
	m := newModule(
		testFunc{name: "store", typ: &wasm.FunctionType{Params: []wasm.ValueType{i32, i32}}, body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeI32Store, 0x02, 0x00, wasm.OpcodeEnd,
		}},
		testFunc{name: "load", typ: i32Type, body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Load, 0x02, 0x00, wasm.OpcodeEnd,
		}},
		testFunc{name: "load8_s", typ: i32Type, body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Load8S, 0x00, 0x04, wasm.OpcodeEnd,
		}},
		testFunc{name: "grow", typ: i32Type, body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeMemoryGrow, 0x00, wasm.OpcodeEnd,
		}},
		testFunc{name: "size", typ: &wasm.FunctionType{Results: []wasm.ValueType{i32}}, body: []byte{
			wasm.OpcodeMemorySize, 0x00, wasm.OpcodeEnd,
		}},
		testFunc{name: "fill", typ: &wasm.FunctionType{Params: []wasm.ValueType{i32, i32, i32}}, body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeLocalGet, 2,
			wasm.OpcodeMiscPrefix, wasm.OpcodeMiscMemoryFill, 0x00,
			wasm.OpcodeEnd,
		}},
		testFunc{name: "copy", typ: &wasm.FunctionType{Params: []wasm.ValueType{i32, i32, i32}}, body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeLocalGet, 2,
			wasm.OpcodeMiscPrefix, wasm.OpcodeMiscMemoryCopy, 0x00, 0x00,
			wasm.OpcodeEnd,
		}},
	)
	m.MemorySection = []*wasm.Memory{{Min: 1, Max: &max}}
	mod := instantiate(t, EngineConfig{}, m)

	_, err := call(t, mod, "store", 8, 0xdeadbeef)
	require.NoError(t, err)
	results, err := call(t, mod, "load", 8)
	require.NoError(t, err)
	require.Equal(t, []uint64{0xdeadbeef}, results)

	// Little-endian, so the byte at 8+3 is 0xde, which is negative as int8. The static offset is 4.
	results, err = call(t, mod, "load8_s", 7)
	require.NoError(t, err)
	require.Equal(t, []uint64{0xffffffde}, results)

	t.Run("out of bounds", func(t *testing.T) {
		_, err := call(t, mod, "load", 65533)
		trap := requireTrap(t, err, wasm.ErrOutOfBoundsMemoryAccess)
		require.True(t, trap.HasIndex)
		require.Equal(t, uint64(65533), trap.Index)

		_, err = call(t, mod, "load8_s", math.MaxUint32)
		trap = requireTrap(t, err, wasm.ErrOutOfBoundsMemoryAccess)
		require.Equal(t, uint64(math.MaxUint32)+4, trap.Index)
	})

	t.Run("bulk", func(t *testing.T) {
		_, err := call(t, mod, "fill", 100, 0xab, 4)
		require.NoError(t, err)
		results, err := call(t, mod, "load", 100)
		require.NoError(t, err)
		require.Equal(t, []uint64{0xabababab}, results)

		_, err = call(t, mod, "copy", 102, 100, 4)
		require.NoError(t, err)
		results, err = call(t, mod, "load", 104)
		require.NoError(t, err)
		require.Equal(t, []uint64{0xabab}, results)

		_, err = call(t, mod, "fill", 65535, 1, 2)
		requireTrap(t, err, wasm.ErrOutOfBoundsMemoryAccess)
		// Nothing was written by the failed fill.
		results, err = call(t, mod, "load", 65532)
		require.NoError(t, err)
		require.Equal(t, []uint64{0}, results)
	})

	t.Run("grow", func(t *testing.T) {
		results, err := call(t, mod, "grow", 1)
		require.NoError(t, err)
		require.Equal(t, []uint64{1}, results)

		results, err = call(t, mod, "grow", 1)
		require.NoError(t, err)
		require.Equal(t, []uint64{math.MaxUint32}, results)

		results, err = call(t, mod, "size")
		require.NoError(t, err)
		require.Equal(t, []uint64{2}, results)

		// Growth preserves existing bytes and zero-fills the new page.
		results, err = call(t, mod, "load", 8)
		require.NoError(t, err)
		require.Equal(t, []uint64{0xdeadbeef}, results)
		results, err = call(t, mod, "load", 65536)
		require.NoError(t, err)
		require.Equal(t, []uint64{0}, results)
	})
}

func TestEngine_Call_GlobalsAndTables(t *testing.T) {
	resultI32 := &wasm.FunctionType{Results: []wasm.ValueType{i32}}
	m := newModule(
		testFunc{name: "one", typ: resultI32, body: []byte{wasm.OpcodeI32Const, 1, wasm.OpcodeEnd}},
		testFunc{name: "identity", typ: i32Type, body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeEnd}},
		testFunc{name: "dispatch", typ: i32Type, body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeCallIndirect, 0x00, 0x00, wasm.OpcodeEnd,
		}},
		testFunc{name: "incr", typ: resultI32, body: []byte{
			wasm.OpcodeGlobalGet, 0, wasm.OpcodeI32Const, 1, wasm.OpcodeI32Add, wasm.OpcodeGlobalSet, 0,
			wasm.OpcodeGlobalGet, 0,
			wasm.OpcodeEnd,
		}},
		testFunc{name: "grow", typ: resultI32, body: []byte{
			wasm.OpcodeRefFunc, 0, wasm.OpcodeI32Const, 2,
			wasm.OpcodeMiscPrefix, wasm.OpcodeMiscTableGrow, 0x00,
			wasm.OpcodeEnd,
		}},
		testFunc{name: "size", typ: resultI32, body: []byte{
			wasm.OpcodeMiscPrefix, wasm.OpcodeMiscTableSize, 0x00, wasm.OpcodeEnd,
		}},
		testFunc{name: "is_null", typ: i32Type, body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeTableGet, 0x00, wasm.OpcodeRefIsNull, wasm.OpcodeEnd,
		}},
	)
	m.TableSection = []*wasm.Table{{Min: 3, Type: wasm.ValueTypeFuncref}}
	m.ElementSection = []*wasm.ElementSegment{{
		OffsetExpr: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{0}},
		Init:       []wasm.Index{0, 1},
		Type:       wasm.ValueTypeFuncref,
		Mode:       wasm.ElementModeActive,
	}}
	m.GlobalSection = []*wasm.Global{{
		Type: &wasm.GlobalType{ValType: i32, Mutable: true},
		Init: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{41}},
	}}
	mod := instantiate(t, EngineConfig{}, m)

	t.Run("call_indirect", func(t *testing.T) {
		results, err := call(t, mod, "dispatch", 0)
		require.NoError(t, err)
		require.Equal(t, []uint64{1}, results)

		_, err = call(t, mod, "dispatch", 1)
		requireTrap(t, err, wasm.ErrIndirectCallTypeMismatch)

		_, err = call(t, mod, "dispatch", 2)
		requireTrap(t, err, wasm.ErrIndirectCallNullReference)

		_, err = call(t, mod, "dispatch", 3)
		requireTrap(t, err, wasm.ErrOutOfBoundsTableAccess)
	})

	t.Run("global", func(t *testing.T) {
		results, err := call(t, mod, "incr")
		require.NoError(t, err)
		require.Equal(t, []uint64{42}, results)
	})

	t.Run("table", func(t *testing.T) {
		results, err := call(t, mod, "is_null", 2)
		require.NoError(t, err)
		require.Equal(t, []uint64{1}, results)

		results, err = call(t, mod, "grow")
		require.NoError(t, err)
		require.Equal(t, []uint64{3}, results)

		results, err = call(t, mod, "size")
		require.NoError(t, err)
		require.Equal(t, []uint64{5}, results)

		// The grown elements reference "one".
		results, err = call(t, mod, "dispatch", 4)
		require.NoError(t, err)
		require.Equal(t, []uint64{1}, results)
	})
}

func TestEngine_Call_HostFunction(t *testing.T) {
	s := wasm.NewStore(NewEngine(EngineConfig{CallStackCeiling: 10}), nil)
	errBoom := errors.New("boom")

	var calledBy string
	double := s.AllocateHostFunction(i32Type, func(ctx context.Context, mod api.Module, params []uint64) ([]uint64, error) {
		calledBy = mod.Name()
		if params[0] == 0 {
			return nil, errBoom
		}
		return []uint64{params[0] * 2}, nil
	}, "env.double")
	reenter := s.AllocateHostFunction(voidType, func(ctx context.Context, mod api.Module, params []uint64) ([]uint64, error) {
		return mod.ExportedFunction("reenter").Call(ctx)
	}, "env.reenter")

	m := &wasm.Module{
		TypeSection: []*wasm.FunctionType{i32Type, voidType},
		ImportSection: []*wasm.Import{
			{Type: wasm.ExternTypeFunc, Module: "env", Name: "double", DescFunc: 0},
			{Type: wasm.ExternTypeFunc, Module: "env", Name: "reenter", DescFunc: 1},
		},
		FunctionSection: []wasm.Index{0, 1},
		CodeSection: []*wasm.Code{
			{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeCall, 0, wasm.OpcodeI32Const, 1, wasm.OpcodeI32Add, wasm.OpcodeEnd}},
			{Body: []byte{wasm.OpcodeCall, 1, wasm.OpcodeEnd}},
		},
		ExportSection: []*wasm.Export{
			{Type: wasm.ExternTypeFunc, Name: "double_plus_one", Index: 2},
			{Type: wasm.ExternTypeFunc, Name: "reenter", Index: 3},
		},
	}
	mi, err := s.Instantiate(testCtx, m, "guest", []wasm.ExternalValue{wasm.ExternFunction(double), wasm.ExternFunction(reenter)})
	require.NoError(t, err)
	mod := s.ModuleView(mi.ID)

	results, err := call(t, mod, "double_plus_one", 21)
	require.NoError(t, err)
	require.Equal(t, []uint64{43}, results)
	require.Equal(t, "guest", calledBy)

	// Host errors propagate unchanged.
	_, err = call(t, mod, "double_plus_one", 0)
	require.Equal(t, errBoom, err)

	// Frames of re-entrant calls count towards the same ceiling.
	_, err = call(t, mod, "reenter")
	requireTrap(t, err, wasm.ErrCallStackExhausted)
}

func TestEngine_Call_InvalidInvocation(t *testing.T) {
	mod := instantiate(t, EngineConfig{}, newModule(binaryI32("add", wasm.OpcodeI32Add)))
	_, err := call(t, mod, "add", 1)
	require.ErrorIs(t, err, wasm.ErrInvalidInvocation)
}

// TestEngine_Call_HostFunction_DetachedContext ensures limits hold when a host function calls back into Wasm with a
// context which isn't derived from the one it was given.
func TestEngine_Call_HostFunction_DetachedContext(t *testing.T) {
	tests := []struct {
		name        string
		cfg         EngineConfig
		expectedErr error
	}{
		{name: "call stack ceiling", cfg: EngineConfig{CallStackCeiling: 20}, expectedErr: wasm.ErrCallStackExhausted},
		{name: "fuel", cfg: EngineConfig{Fuel: 10}, expectedErr: wasm.ErrFuelExhausted},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			s := wasm.NewStore(NewEngine(tc.cfg), nil)
			// recurse calls "rec" with x-1 until x is zero, and "tick" at each step.
			recurse := s.AllocateHostFunction(i32Type, func(_ context.Context, mod api.Module, params []uint64) ([]uint64, error) {
				if params[0] == 0 {
					return []uint64{0}, nil
				}
				if _, err := mod.ExportedFunction("tick").Call(context.Background()); err != nil {
					return nil, err
				}
				results, err := mod.ExportedFunction("rec").Call(context.Background(), params[0]-1)
				if err != nil {
					return nil, err
				}
				return []uint64{results[0] + 1}, nil
			}, "env.recurse")

			m := &wasm.Module{
				TypeSection:     []*wasm.FunctionType{i32Type, voidType},
				ImportSection:   []*wasm.Import{{Type: wasm.ExternTypeFunc, Module: "env", Name: "recurse", DescFunc: 0}},
				FunctionSection: []wasm.Index{0, 1},
				CodeSection: []*wasm.Code{
					{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeCall, 0, wasm.OpcodeEnd}},
					{Body: []byte{wasm.OpcodeI32Const, 1, wasm.OpcodeDrop, wasm.OpcodeEnd}},
				},
				ExportSection: []*wasm.Export{
					{Type: wasm.ExternTypeFunc, Name: "rec", Index: 1},
					{Type: wasm.ExternTypeFunc, Name: "tick", Index: 2},
				},
			}
			mi, err := s.Instantiate(testCtx, m, "guest", []wasm.ExternalValue{wasm.ExternFunction(recurse)})
			require.NoError(t, err)
			mod := s.ModuleView(mi.ID)

			_, err = call(t, mod, "rec", 500)
			requireTrap(t, err, tc.expectedErr)

			// The limits apply to a whole invocation, so a fresh one starts over.
			results, err := call(t, mod, "rec", 0)
			require.NoError(t, err)
			require.Equal(t, []uint64{0}, results)
		})
	}
}

func TestEngine_Call_FloatComparison(t *testing.T) {
	compareF64 := func(name string, opcode wasm.Opcode) testFunc {
		typ := &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeF64, wasm.ValueTypeF64}, Results: []wasm.ValueType{i32}}
		return testFunc{name: name, typ: typ,
			body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, opcode, wasm.OpcodeEnd}}
	}
	compareF32 := func(name string, opcode wasm.Opcode) testFunc {
		typ := &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeF32, wasm.ValueTypeF32}, Results: []wasm.ValueType{i32}}
		return testFunc{name: name, typ: typ,
			body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, opcode, wasm.OpcodeEnd}}
	}
	mod := instantiate(t, EngineConfig{}, newModule(
		compareF64("f64.eq", wasm.OpcodeF64Eq),
		compareF64("f64.ne", wasm.OpcodeF64Ne),
		compareF64("f64.lt", wasm.OpcodeF64Lt),
		compareF64("f64.gt", wasm.OpcodeF64Gt),
		compareF64("f64.le", wasm.OpcodeF64Le),
		compareF64("f64.ge", wasm.OpcodeF64Ge),
		compareF32("f32.eq", wasm.OpcodeF32Eq),
		compareF32("f32.ne", wasm.OpcodeF32Ne),
		compareF32("f32.lt", wasm.OpcodeF32Lt),
	))
	nan64, nan32 := api.EncodeF64(math.NaN()), api.EncodeF32(float32(math.NaN()))

	tests := []struct {
		fn       string
		x, y     uint64
		expected uint64
	}{
		{fn: "f64.eq", x: nan64, y: nan64, expected: 0},
		{fn: "f64.eq", x: nan64, y: api.EncodeF64(1), expected: 0},
		{fn: "f64.ne", x: nan64, y: nan64, expected: 1},
		{fn: "f64.lt", x: nan64, y: api.EncodeF64(1), expected: 0},
		{fn: "f64.gt", x: api.EncodeF64(1), y: nan64, expected: 0},
		{fn: "f64.le", x: nan64, y: nan64, expected: 0},
		{fn: "f64.ge", x: nan64, y: api.EncodeF64(math.Inf(-1)), expected: 0},
		{fn: "f32.eq", x: nan32, y: nan32, expected: 0},
		{fn: "f32.ne", x: nan32, y: api.EncodeF32(2), expected: 1},
		{fn: "f32.lt", x: api.EncodeF32(2), y: nan32, expected: 0},
		// Zeros of either sign are equal.
		{fn: "f64.eq", x: api.EncodeF64(0), y: api.EncodeF64(math.Copysign(0, -1)), expected: 1},
		{fn: "f64.lt", x: api.EncodeF64(1), y: api.EncodeF64(2), expected: 1},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.fn, func(t *testing.T) {
			results, err := call(t, mod, tc.fn, tc.x, tc.y)
			require.NoError(t, err)
			require.Equal(t, []uint64{tc.expected}, results)
		})
	}
}

func TestEngine_Call_ShiftAndRotate(t *testing.T) {
	binaryI64 := func(name string, opcode wasm.Opcode) testFunc {
		return testFunc{name: name, typ: &wasm.FunctionType{Params: []wasm.ValueType{i64, i64}, Results: []wasm.ValueType{i64}},
			body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, opcode, wasm.OpcodeEnd}}
	}
	mod := instantiate(t, EngineConfig{}, newModule(
		binaryI32("i32.shl", wasm.OpcodeI32Shl),
		binaryI32("i32.shr_s", wasm.OpcodeI32ShrS),
		binaryI32("i32.shr_u", wasm.OpcodeI32ShrU),
		binaryI32("i32.rotl", wasm.OpcodeI32Rotl),
		binaryI32("i32.rotr", wasm.OpcodeI32Rotr),
		binaryI64("i64.shl", wasm.OpcodeI64Shl),
		binaryI64("i64.shr_s", wasm.OpcodeI64ShrS),
		binaryI64("i64.shr_u", wasm.OpcodeI64ShrU),
		binaryI64("i64.rotl", wasm.OpcodeI64Rotl),
		binaryI64("i64.rotr", wasm.OpcodeI64Rotr),
	))

	// Counts are taken modulo the bit width.
	tests := []struct {
		name, fn string
		x, count uint64
		expected uint64
	}{
		{name: "i32.shl by 32", fn: "i32.shl", x: 1, count: 32, expected: 1},
		{name: "i32.shl by 33", fn: "i32.shl", x: 1, count: 33, expected: 2},
		{name: "i32.shl by max", fn: "i32.shl", x: 1, count: math.MaxUint32, expected: 0x80000000},
		{name: "i32.shr_s by 63", fn: "i32.shr_s", x: 0x80000000, count: 63, expected: 0xffffffff},
		{name: "i32.shr_u by 63", fn: "i32.shr_u", x: 0x80000000, count: 63, expected: 1},
		{name: "i32.rotl by 33", fn: "i32.rotl", x: 0x80000001, count: 33, expected: 3},
		{name: "i32.rotr by 32", fn: "i32.rotr", x: 1, count: 32, expected: 1},
		{name: "i32.rotr by 33", fn: "i32.rotr", x: 1, count: 33, expected: 0x80000000},
		{name: "i64.shl by 64", fn: "i64.shl", x: 1, count: 64, expected: 1},
		{name: "i64.shl by 127", fn: "i64.shl", x: 1, count: 127, expected: 1 << 63},
		{name: "i64.shr_s by 127", fn: "i64.shr_s", x: 1 << 63, count: 127, expected: math.MaxUint64},
		{name: "i64.shr_u by 127", fn: "i64.shr_u", x: 1 << 63, count: 127, expected: 1},
		{name: "i64.rotl by 65", fn: "i64.rotl", x: 1 << 63, count: 65, expected: 1},
		{name: "i64.rotr by 64", fn: "i64.rotr", x: 1, count: 64, expected: 1},
		{name: "i64.rotr by 65", fn: "i64.rotr", x: 1, count: 65, expected: 1 << 63},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			results, err := call(t, mod, tc.fn, tc.x, tc.count)
			require.NoError(t, err)
			require.Equal(t, []uint64{tc.expected}, results)
		})
	}
}

func TestEngine_Call_BlockParams(t *testing.T) {
	m := newModule(
		// The if consumes the condition, then its branches transform the param.
		testFunc{name: "if params", typ: i32Type, body: []byte{
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeIf, 0x00, // type[0]: i32 -> i32
			wasm.OpcodeI32Const, 1, wasm.OpcodeI32Add,
			wasm.OpcodeElse,
			wasm.OpcodeI32Const, 1, wasm.OpcodeI32Sub,
			wasm.OpcodeEnd,
			wasm.OpcodeEnd,
		}},
		binaryI32("add", wasm.OpcodeI32Add),
		// Sums 1..n, carrying the sum and the counter as the two params of the loop.
		testFunc{name: "loop sum", typ: i32Type, locals: []wasm.ValueType{i32, i32}, body: []byte{
			wasm.OpcodeI32Const, 0,
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeLoop, 0x01, // type[1]: i32 i32 -> i32
			wasm.OpcodeLocalSet, 1,
			wasm.OpcodeLocalSet, 2,
			wasm.OpcodeLocalGet, 2, wasm.OpcodeLocalGet, 1, wasm.OpcodeI32Add,
			wasm.OpcodeLocalGet, 1, wasm.OpcodeI32Const, 1, wasm.OpcodeI32Sub,
			wasm.OpcodeLocalGet, 1, wasm.OpcodeI32Const, 1, wasm.OpcodeI32GtU,
			wasm.OpcodeBrIf, 0,
			wasm.OpcodeDrop,
			wasm.OpcodeEnd,
			wasm.OpcodeEnd,
		}},
	)
	mod := instantiate(t, EngineConfig{}, m)

	tests := []struct {
		fn       string
		param    uint64
		expected uint64
	}{
		{fn: "if params", param: 5, expected: 6},
		{fn: "if params", param: 0, expected: 0xffffffff},
		{fn: "loop sum", param: 1, expected: 1},
		{fn: "loop sum", param: 4, expected: 10},
		{fn: "loop sum", param: 100, expected: 5050},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.fn, func(t *testing.T) {
			results, err := call(t, mod, tc.fn, tc.param)
			require.NoError(t, err)
			require.Equal(t, []uint64{tc.expected}, results)
		})
	}
}

func TestEngine_Call_MemoryInit(t *testing.T) {
	rangeType := &wasm.FunctionType{Params: []wasm.ValueType{i32, i32, i32}}
	memoryInit := func(name string, dataIndex byte) testFunc {
		return testFunc{name: name, typ: rangeType, body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeLocalGet, 2,
			wasm.OpcodeMiscPrefix, wasm.OpcodeMiscMemoryInit, dataIndex, 0x00,
			wasm.OpcodeEnd,
		}}
	}
	m := newModule(
		memoryInit("init", 0),
		memoryInit("init active", 1),
		testFunc{name: "drop", typ: voidType, body: []byte{wasm.OpcodeMiscPrefix, wasm.OpcodeMiscDataDrop, 0, wasm.OpcodeEnd}},
	)
	m.MemorySection = []*wasm.Memory{{Min: 1}}
	m.DataSection = []*wasm.DataSegment{
		{Init: []byte{1, 2, 3, 4}, Passive: true},
		{OffsetExpression: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{0}}, Init: []byte{9}},
	}
	mod := instantiate(t, EngineConfig{}, m)
	mem := mod.Memory()

	read := func(offset, n uint32) []byte {
		buf, ok := mem.Read(offset, n)
		require.True(t, ok)
		return buf
	}
	require.Equal(t, []byte{9}, read(0, 1))

	_, err := call(t, mod, "init", 100, 1, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{2, 3, 4}, read(100, 3))

	t.Run("out of bounds", func(t *testing.T) {
		_, err := call(t, mod, "init", 200, 2, 3)
		requireTrap(t, err, wasm.ErrOutOfBoundsMemoryAccess)
		require.Equal(t, []byte{0, 0, 0}, read(200, 3))

		_, err = call(t, mod, "init", 65535, 0, 2)
		requireTrap(t, err, wasm.ErrOutOfBoundsMemoryAccess)
		require.Equal(t, []byte{0}, read(65535, 1))
	})

	t.Run("active segments are dropped", func(t *testing.T) {
		_, err := call(t, mod, "init active", 0, 0, 1)
		requireTrap(t, err, wasm.ErrOutOfBoundsMemoryAccess)

		_, err = call(t, mod, "init active", 0, 0, 0)
		require.NoError(t, err)
	})

	t.Run("data.drop", func(t *testing.T) {
		_, err := call(t, mod, "drop")
		require.NoError(t, err)

		_, err = call(t, mod, "init", 300, 0, 1)
		requireTrap(t, err, wasm.ErrOutOfBoundsMemoryAccess)
		_, err = call(t, mod, "init", 300, 0, 0)
		require.NoError(t, err)

		// Dropping twice is allowed, and earlier copies are kept.
		_, err = call(t, mod, "drop")
		require.NoError(t, err)
		require.Equal(t, []byte{2, 3, 4}, read(100, 3))
	})
}

func TestEngine_Call_TableOperations(t *testing.T) {
	resultI32 := &wasm.FunctionType{Results: []wasm.ValueType{i32}}
	rangeType := &wasm.FunctionType{Params: []wasm.ValueType{i32, i32, i32}}
	tableInit := func(name string, elemIndex byte) testFunc {
		return testFunc{name: name, typ: rangeType, body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeLocalGet, 2,
			wasm.OpcodeMiscPrefix, wasm.OpcodeMiscTableInit, elemIndex, 0x00,
			wasm.OpcodeEnd,
		}}
	}
	m := newModule(
		testFunc{name: "one", typ: resultI32, body: []byte{wasm.OpcodeI32Const, 1, wasm.OpcodeEnd}},
		testFunc{name: "two", typ: resultI32, body: []byte{wasm.OpcodeI32Const, 2, wasm.OpcodeEnd}},
		// dispatch calls the function at the table offset, which must have type[0]: -> i32
		testFunc{name: "dispatch", typ: i32Type, body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeCallIndirect, 0x00, 0x00, wasm.OpcodeEnd,
		}},
		testFunc{name: "is_null", typ: i32Type, body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeTableGet, 0x00, wasm.OpcodeRefIsNull, wasm.OpcodeEnd,
		}},
		tableInit("init", 0),
		tableInit("init active", 1),
		testFunc{name: "drop", typ: voidType, body: []byte{wasm.OpcodeMiscPrefix, wasm.OpcodeMiscElemDrop, 0, wasm.OpcodeEnd}},
		testFunc{name: "copy", typ: rangeType, body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeLocalGet, 2,
			wasm.OpcodeMiscPrefix, wasm.OpcodeMiscTableCopy, 0x00, 0x00,
			wasm.OpcodeEnd,
		}},
		// fill sets n elements at the offset to "one".
		testFunc{name: "fill", typ: addType, body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeRefFunc, 0, wasm.OpcodeLocalGet, 1,
			wasm.OpcodeMiscPrefix, wasm.OpcodeMiscTableFill, 0x00,
			wasm.OpcodeI32Const, 0,
			wasm.OpcodeEnd,
		}},
		testFunc{name: "fill null", typ: addType, body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeRefNull, 0x70, wasm.OpcodeLocalGet, 1,
			wasm.OpcodeMiscPrefix, wasm.OpcodeMiscTableFill, 0x00,
			wasm.OpcodeI32Const, 0,
			wasm.OpcodeEnd,
		}},
	)
	m.TableSection = []*wasm.Table{{Min: 4, Type: wasm.ValueTypeFuncref}}
	m.ElementSection = []*wasm.ElementSegment{
		{Init: []wasm.Index{0, 1}, Type: wasm.ValueTypeFuncref, Mode: wasm.ElementModePassive},
		{
			OffsetExpr: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{0}},
			Init:       []wasm.Index{1},
			Type:       wasm.ValueTypeFuncref,
			Mode:       wasm.ElementModeActive,
		},
	}
	mod := instantiate(t, EngineConfig{}, m)

	requireDispatch := func(offset, expected uint64) {
		results, err := call(t, mod, "dispatch", offset)
		require.NoError(t, err)
		require.Equal(t, []uint64{expected}, results)
	}
	requireNull := func(offset uint64) {
		results, err := call(t, mod, "is_null", offset)
		require.NoError(t, err)
		require.Equal(t, []uint64{1}, results)
	}

	// Only the active segment was applied.
	requireDispatch(0, 2)
	requireNull(1)

	t.Run("table.init", func(t *testing.T) {
		_, err := call(t, mod, "init", 1, 0, 2)
		require.NoError(t, err)
		requireDispatch(1, 1)
		requireDispatch(2, 2)

		_, err = call(t, mod, "init", 3, 1, 2)
		requireTrap(t, err, wasm.ErrOutOfBoundsTableAccess)
		requireNull(3)

		_, err = call(t, mod, "init", 3, 0, 2)
		requireTrap(t, err, wasm.ErrOutOfBoundsTableAccess)
		requireNull(3)
	})

	t.Run("active segments are dropped", func(t *testing.T) {
		_, err := call(t, mod, "init active", 0, 0, 1)
		requireTrap(t, err, wasm.ErrOutOfBoundsTableAccess)

		_, err = call(t, mod, "init active", 0, 0, 0)
		require.NoError(t, err)
	})

	t.Run("table.copy", func(t *testing.T) {
		// [two, one, two, null] -> [two, one, two, one]
		_, err := call(t, mod, "copy", 2, 0, 2)
		require.NoError(t, err)
		requireDispatch(2, 2)
		requireDispatch(3, 1)

		_, err = call(t, mod, "copy", 3, 0, 2)
		requireTrap(t, err, wasm.ErrOutOfBoundsTableAccess)
		requireDispatch(3, 1)
	})

	t.Run("table.fill", func(t *testing.T) {
		_, err := call(t, mod, "fill", 0, 2)
		require.NoError(t, err)
		requireDispatch(0, 1)
		requireDispatch(1, 1)

		_, err = call(t, mod, "fill null", 1, 1)
		require.NoError(t, err)
		requireNull(1)

		_, err = call(t, mod, "fill", 3, 2)
		requireTrap(t, err, wasm.ErrOutOfBoundsTableAccess)
		requireDispatch(3, 1)
	})

	t.Run("elem.drop", func(t *testing.T) {
		_, err := call(t, mod, "drop")
		require.NoError(t, err)

		_, err = call(t, mod, "init", 0, 0, 1)
		requireTrap(t, err, wasm.ErrOutOfBoundsTableAccess)
		_, err = call(t, mod, "init", 0, 0, 0)
		require.NoError(t, err)
	})
}

// eventListener records each notification as "before|after function module values", or the error after a failure.
// The module is "-" when nil.
type eventListener struct {
	events []string
}

func moduleName(mod api.Module) string {
	if mod == nil {
		return "-"
	}
	return mod.Name()
}

func (l *eventListener) Before(_ context.Context, mod api.Module, def api.FunctionDefinition, params []uint64) {
	l.events = append(l.events, fmt.Sprintf("before %s %s %v", def.Name(), moduleName(mod), params))
}

func (l *eventListener) After(_ context.Context, mod api.Module, def api.FunctionDefinition, err error, results []uint64) {
	if err != nil {
		var trap *wasm.Trap
		if errors.As(err, &trap) {
			err = trap.Err
		}
		l.events = append(l.events, fmt.Sprintf("after %s %s error %v", def.Name(), moduleName(mod), err))
		return
	}
	l.events = append(l.events, fmt.Sprintf("after %s %s %v", def.Name(), moduleName(mod), results))
}

func TestEngine_Call_FunctionListener(t *testing.T) {
	tests := []struct {
		name     string
		fn       string
		param    []uint64
		expected []string
	}{
		{
			name:  "nested",
			fn:    "outer",
			param: []uint64{3},
			expected: []string{
				"before guest.outer guest [3]",
				"before guest.inner guest [3]",
				"before env.double guest [3]",
				"after env.double guest [6]",
				"after guest.inner guest [6]",
				"after guest.outer guest [7]",
			},
		},
		{
			name:  "host error",
			fn:    "outer",
			param: []uint64{0},
			expected: []string{
				"before guest.outer guest [0]",
				"before guest.inner guest [0]",
				"before env.double guest [0]",
				"after env.double guest error zero",
				"after guest.inner guest error zero",
				"after guest.outer guest error zero",
			},
		},
		{
			name: "trap",
			fn:   "trap",
			expected: []string{
				"before guest.trap guest []",
				"before guest.inner guest [5]",
				"before env.double guest [5]",
				"after env.double guest [10]",
				"after guest.inner guest [10]",
				"after guest.trap guest error unreachable",
			},
		},
		{
			name:  "host function without a caller",
			fn:    "double",
			param: []uint64{4},
			expected: []string{
				"before env.double - [4]",
				"after env.double - [8]",
			},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			l := &eventListener{}
			s := wasm.NewStore(NewEngine(EngineConfig{Listener: l}), nil)
			double := s.AllocateHostFunction(i32Type, func(_ context.Context, _ api.Module, params []uint64) ([]uint64, error) {
				if params[0] == 0 {
					return nil, errors.New("zero")
				}
				return []uint64{params[0] * 2}, nil
			}, "env.double")

			m := &wasm.Module{
				TypeSection:     []*wasm.FunctionType{i32Type, voidType},
				ImportSection:   []*wasm.Import{{Type: wasm.ExternTypeFunc, Module: "env", Name: "double", DescFunc: 0}},
				FunctionSection: []wasm.Index{0, 0, 1},
				CodeSection: []*wasm.Code{
					{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeCall, 0, wasm.OpcodeEnd}},
					{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeCall, 1, wasm.OpcodeI32Const, 1, wasm.OpcodeI32Add, wasm.OpcodeEnd}},
					{Body: []byte{wasm.OpcodeI32Const, 5, wasm.OpcodeCall, 1, wasm.OpcodeDrop, wasm.OpcodeUnreachable, wasm.OpcodeEnd}},
				},
				ExportSection: []*wasm.Export{
					{Type: wasm.ExternTypeFunc, Name: "double", Index: 0},
					{Type: wasm.ExternTypeFunc, Name: "inner", Index: 1},
					{Type: wasm.ExternTypeFunc, Name: "outer", Index: 2},
					{Type: wasm.ExternTypeFunc, Name: "trap", Index: 3},
				},
			}
			mi, err := s.Instantiate(testCtx, m, "guest", []wasm.ExternalValue{wasm.ExternFunction(double)})
			require.NoError(t, err)

			_, _ = call(t, s.ModuleView(mi.ID), tc.fn, tc.param...)
			require.Equal(t, tc.expected, l.events)
		})
	}
}
