// Package api includes constants and interfaces used by both end-users and internal implementations.
package api

import (
	"context"
	"fmt"
	"math"
)

// ExternType classifies imports and exports with their respective types.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#external-types%E2%91%A0
type ExternType = byte

const (
	ExternTypeFunc   ExternType = 0x00
	ExternTypeTable  ExternType = 0x01
	ExternTypeMemory ExternType = 0x02
	ExternTypeGlobal ExternType = 0x03
)

// The below are exported to consolidate parsing behavior for external types.
const (
	// ExternTypeFuncName is the name of the Text Format field for ExternTypeFunc.
	ExternTypeFuncName = "func"
	// ExternTypeTableName is the name of the Text Format field for ExternTypeTable.
	ExternTypeTableName = "table"
	// ExternTypeMemoryName is the name of the Text Format field for ExternTypeMemory.
	ExternTypeMemoryName = "memory"
	// ExternTypeGlobalName is the name of the Text Format field for ExternTypeGlobal.
	ExternTypeGlobalName = "global"
)

// ExternTypeName returns the name of the Text Format field of the given type.
func ExternTypeName(et ExternType) string {
	switch et {
	case ExternTypeFunc:
		return ExternTypeFuncName
	case ExternTypeTable:
		return ExternTypeTableName
	case ExternTypeMemory:
		return ExternTypeMemoryName
	case ExternTypeGlobal:
		return ExternTypeGlobalName
	}
	return fmt.Sprintf("%#x", et)
}

// ValueType describes a value type usable as a function parameter, result, local or global.
//
// The following describes how to convert between Wasm and Go types:
//  * ValueTypeI32 - uint64(uint32,int32)
//  * ValueTypeI64 - uint64(int64)
//  * ValueTypeF32 - EncodeF32 and DecodeF32 from float32
//  * ValueTypeF64 - EncodeF64 and DecodeF64 from float64
//  * ValueTypeFuncref - zero for null, otherwise an opaque function reference
//  * ValueTypeExternref - zero for null, otherwise an opaque host value
//
// Ex. Given a Text Format type use (param f64) (result f64), conversion is necessary.
//
//	results, _ := fn.Call(ctx, api.EncodeF64(input))
//	result := api.DecodeF64(results[0])
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-valtype
type ValueType = byte

const (
	// ValueTypeI32 is a 32-bit integer.
	ValueTypeI32 ValueType = 0x7f
	// ValueTypeI64 is a 64-bit integer.
	ValueTypeI64 ValueType = 0x7e
	// ValueTypeF32 is a 32-bit floating point number.
	ValueTypeF32 ValueType = 0x7d
	// ValueTypeF64 is a 64-bit floating point number.
	ValueTypeF64 ValueType = 0x7c
	// ValueTypeFuncref is a nullable reference to a function.
	ValueTypeFuncref ValueType = 0x70
	// ValueTypeExternref is a nullable reference to an opaque host value.
	ValueTypeExternref ValueType = 0x6f
)

// ValueTypeName returns the type name of the given ValueType as a string.
// These type names match the names used in the WebAssembly text format.
//
// Note: This returns "unknown", if an undefined ValueType value is passed.
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeFuncref:
		return "funcref"
	case ValueTypeExternref:
		return "externref"
	}
	return "unknown"
}

// Module is the exports of an instantiated module.
//
// Note: This is an interface for decoupling, not third-party implementations. All implementations are in wakit.
type Module interface {
	fmt.Stringer

	// Name is the name this module was instantiated with. Exported functions can be imported with this name.
	Name() string

	// Memory returns the memory at index zero of this module, or nil if it has none.
	Memory() Memory

	// ExportedFunction returns a function exported from this module or nil if it wasn't.
	ExportedFunction(name string) Function

	// ExportedMemory returns a memory exported from this module or nil if it wasn't.
	ExportedMemory(name string) Memory

	// ExportedGlobal a global exported from this module or nil if it wasn't.
	ExportedGlobal(name string) Global

	// ExportedTable a table exported from this module or nil if it wasn't.
	ExportedTable(name string) Table
}

// Function is a function exported from an instantiated module.
type Function interface {
	// ParamTypes are the possibly empty sequence of value types accepted by a function with this signature.
	ParamTypes() []ValueType

	// ResultTypes are the possibly empty sequence of value types returned by a function with this signature.
	ResultTypes() []ValueType

	// Call invokes the function with parameters encoded according to ParamTypes. Results are encoded according to
	// ResultTypes. An error is returned for any failure looking up or invoking the function, including a parameter
	// count mismatch.
	//
	// Note: When the context is nil, it defaults to context.Background.
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// FunctionDefinition describes a function instance, whether defined in Wasm or in Go.
type FunctionDefinition interface {
	// Name is the module name and the function name joined by a dot. Ex. "env.log"
	Name() string

	// ParamTypes are the possibly empty sequence of value types accepted by the function.
	ParamTypes() []ValueType

	// ResultTypes are the possibly empty sequence of value types returned by the function.
	ResultTypes() []ValueType

	// IsHostFunction is true when the function is implemented in Go.
	IsHostFunction() bool
}

// GoModuleFunc is a host function with an explicit signature. params are encoded per ValueType and the returned
// slice must hold exactly one value per result type. mod is the module that called this function, which allows
// access to its memory.
//
// Returning a non-nil error aborts the invocation that called this function and is returned to its caller as is.
type GoModuleFunc func(ctx context.Context, mod Module, params []uint64) ([]uint64, error)

// Global is a global exported from an instantiated module.
//
// Ex. If the value is not mutable, you can read it once:
//
//	offset := module.ExportedGlobal("memory.offset").Get()
//
// When in doubt, safe cast to find out if the value can change. Ex.
//
//	if _, ok := offset.(api.MutableGlobal); ok {
//		// value can change
//	}
type Global interface {
	fmt.Stringer

	// Type describes the numeric type of the global.
	Type() ValueType

	// Get returns the last known value of this global.
	Get() uint64
}

// MutableGlobal is a Global whose value can be updated at runtime (variable).
type MutableGlobal interface {
	Global

	// Set updates the value of this global.
	Set(v uint64)
}

// Table is a table exported from an instantiated module.
type Table interface {
	// Size returns the number of elements in the table.
	Size() uint32

	// Grow appends deltaElements null references. The return val is the previous size, or false if the table would
	// exceed its maximum.
	Grow(deltaElements uint32) (previousSize uint32, ok bool)
}

// Memory allows restricted access to a module's memory.
//
// Note: This includes all value types available in WebAssembly 1.0 (20191205) and all are encoded little-endian.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#storage%E2%91%A0
type Memory interface {
	// Size returns the size in bytes available. Ex. If the underlying memory has 1 page: 65536
	//
	// Note: This is a uint64 as a memory of 65536 pages holds 2^32 bytes.
	Size() uint64

	// Grow increases memory by the delta in pages (65536 bytes per page). The return val is the previous memory size in
	// pages, or false if the delta was ignored as it exceeds max memory.
	//
	// Note: This is the same as the "memory.grow" instruction, except returns false instead of -1 on failure.
	Grow(deltaPages uint32) (previousPages uint32, ok bool)

	// ReadByte reads a single byte from the underlying buffer at the offset or returns false if out of range.
	ReadByte(offset uint32) (byte, bool)

	// ReadUint32Le reads a uint32 in little-endian encoding from the underlying buffer at the offset or returns
	// false if out of range.
	ReadUint32Le(offset uint32) (uint32, bool)

	// ReadFloat32Le reads a float32 from 32 IEEE 754 little-endian encoded bits at the offset or returns false if out
	// of range.
	ReadFloat32Le(offset uint32) (float32, bool)

	// ReadUint64Le reads a uint64 in little-endian encoding from the underlying buffer at the offset or returns false
	// if out of range.
	ReadUint64Le(offset uint32) (uint64, bool)

	// ReadFloat64Le reads a float64 from 64 IEEE 754 little-endian encoded bits at the offset or returns false if out
	// of range.
	ReadFloat64Le(offset uint32) (float64, bool)

	// Read reads byteCount bytes from the underlying buffer at the offset or returns false if out of range.
	//
	// This returns a view of the underlying memory, not a copy. Writes to the returned slice are visible to Wasm
	// until the memory grows, as growth may reallocate the buffer.
	Read(offset, byteCount uint32) ([]byte, bool)

	// WriteByte writes a single byte to the underlying buffer at the offset or returns false if out of range.
	WriteByte(offset uint32, v byte) bool

	// WriteUint32Le writes the value in little-endian encoding at the offset or returns false if out of range.
	WriteUint32Le(offset, v uint32) bool

	// WriteFloat32Le writes the value in 32 IEEE 754 little-endian encoded bits at the offset or returns false if out
	// of range.
	WriteFloat32Le(offset uint32, v float32) bool

	// WriteUint64Le writes the value in little-endian encoding at the offset or returns false if out of range.
	WriteUint64Le(offset uint32, v uint64) bool

	// WriteFloat64Le writes the value in 64 IEEE 754 little-endian encoded bits at the offset or returns false if out
	// of range.
	WriteFloat64Le(offset uint32, v float64) bool

	// Write writes the slice to the underlying buffer at the offset or returns false if out of range.
	Write(offset uint32, v []byte) bool
}

// EncodeI32 encodes the input as a ValueTypeI32.
func EncodeI32(input int32) uint64 {
	return uint64(uint32(input))
}

// DecodeI32 decodes the input as a ValueTypeI32.
func DecodeI32(input uint64) int32 {
	return int32(uint32(input))
}

// EncodeI64 encodes the input as a ValueTypeI64.
func EncodeI64(input int64) uint64 {
	return uint64(input)
}

// EncodeF32 encodes the input as a ValueTypeF32.
// See DecodeF32
func EncodeF32(input float32) uint64 {
	return uint64(math.Float32bits(input))
}

// DecodeF32 decodes the input as a ValueTypeF32.
// See EncodeF32
func DecodeF32(input uint64) float32 {
	return math.Float32frombits(uint32(input))
}

// EncodeF64 encodes the input as a ValueTypeF64.
// See DecodeF64
func EncodeF64(input float64) uint64 {
	return math.Float64bits(input)
}

// DecodeF64 decodes the input as a ValueTypeF64.
// See EncodeF64
func DecodeF64(input uint64) float64 {
	return math.Float64frombits(input)
}
