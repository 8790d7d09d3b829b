// Package vs compares the performance of wakit against other runtimes on the same binaries.
package vs

import (
	"github.com/wakit/wakit/api"
	"github.com/wakit/wakit/internal/wasm"
	"github.com/wakit/wakit/internal/wasm/binary"
)

// facArgument is the input of every factorial benchmark, and facResult its result modulo 2^64.
const (
	facArgument = 30
	facResult   = uint64(0x865df5dd54000000)
)

var i64_i64 = &wasm.FunctionType{Params: []api.ValueType{api.ValueTypeI64}, Results: []api.ValueType{api.ValueTypeI64}}

// facWasm exports "fac", which recurses, and "fac_iter", which loops, computing the factorial of an i64.
var facWasm = binary.EncodeModule(&wasm.Module{
	TypeSection:     []*wasm.FunctionType{i64_i64},
	FunctionSection: []wasm.Index{0, 0},
	CodeSection: []*wasm.Code{
		{Body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Const, 2, wasm.OpcodeI64LtS,
			wasm.OpcodeIf, api.ValueTypeI64,
			wasm.OpcodeI64Const, 1,
			wasm.OpcodeElse,
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Const, 1, wasm.OpcodeI64Sub,
			wasm.OpcodeCall, 0,
			wasm.OpcodeI64Mul,
			wasm.OpcodeEnd,
			wasm.OpcodeEnd,
		}},
		{LocalTypes: []api.ValueType{api.ValueTypeI64}, Body: []byte{
			wasm.OpcodeI64Const, 1, wasm.OpcodeLocalSet, 1,
			wasm.OpcodeBlock, 0x40,
			wasm.OpcodeLoop, 0x40,
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Const, 2, wasm.OpcodeI64LtS, wasm.OpcodeBrIf, 1,
			wasm.OpcodeLocalGet, 1, wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Mul, wasm.OpcodeLocalSet, 1,
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Const, 1, wasm.OpcodeI64Sub, wasm.OpcodeLocalSet, 0,
			wasm.OpcodeBr, 0,
			wasm.OpcodeEnd,
			wasm.OpcodeEnd,
			wasm.OpcodeLocalGet, 1,
			wasm.OpcodeEnd,
		}},
	},
	ExportSection: []*wasm.Export{
		{Type: api.ExternTypeFunc, Name: "fac", Index: 0},
		{Type: api.ExternTypeFunc, Name: "fac_iter", Index: 1},
	},
	NameSection: &wasm.NameSection{ModuleName: "fac"},
})
