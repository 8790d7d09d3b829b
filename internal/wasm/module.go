// Package wasm holds the module IR and the runtime objects of a Store: function, table, memory and global instances
// addressed by index, module instances, and the instantiation protocol that links them.
package wasm

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/wakit/wakit/api"
)

// Index is the offset in an index namespace, not necessarily an absolute position in a Module section. This is because
// index namespaces are often preceded by a corresponding type in the Module.ImportSection.
//
// For example, the function index namespace starts with any ExternTypeFunc in the Module.ImportSection followed by
// the Module.FunctionSection
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-index
type Index = uint32

// ValueType is an alias of api.ValueType defined to simplify imports.
type ValueType = api.ValueType

const (
	ValueTypeI32       = api.ValueTypeI32
	ValueTypeI64       = api.ValueTypeI64
	ValueTypeF32       = api.ValueTypeF32
	ValueTypeF64       = api.ValueTypeF64
	ValueTypeFuncref   = api.ValueTypeFuncref
	ValueTypeExternref = api.ValueTypeExternref
)

// ValueTypeName is an alias of api.ValueTypeName defined to simplify imports.
func ValueTypeName(t ValueType) string {
	return api.ValueTypeName(t)
}

// RefType is the element type of a table: ValueTypeFuncref or ValueTypeExternref.
type RefType = ValueType

// ExternType is an alias of api.ExternType defined to simplify imports.
type ExternType = api.ExternType

const (
	ExternTypeFunc   = api.ExternTypeFunc
	ExternTypeTable  = api.ExternTypeTable
	ExternTypeMemory = api.ExternTypeMemory
	ExternTypeGlobal = api.ExternTypeGlobal
)

// ExternTypeName is an alias of api.ExternTypeName defined to simplify imports.
func ExternTypeName(t ExternType) string {
	return api.ExternTypeName(t)
}

// Module is the IR of a WebAssembly module, as produced by binary.DecodeModule or built by hand.
//
// The engine assumes a Module is statically valid: indices are in range and instruction sequences type-check. Only
// the dynamic checks made during instantiation and execution are performed.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#modules%E2%91%A8
type Module struct {
	// TypeSection contains the unique FunctionType of functions imported or defined in this module.
	TypeSection []*FunctionType

	// ImportSection contains imported functions, tables, memories or globals required for instantiation, in
	// declaration order. Each kind's imports occupy the low indices of that kind's index namespace.
	ImportSection []*Import

	// FunctionSection contains the index in TypeSection of each function defined in this module.
	//
	// Note: FunctionSection is index correlated with the CodeSection. If given the same position, ex. 2, a function
	// type is at TypeSection[FunctionSection[2]], while its locals and body are at CodeSection[2].
	FunctionSection []Index

	// TableSection contains each table defined in this module.
	TableSection []*Table

	// MemorySection contains each memory defined in this module.
	MemorySection []*Memory

	// GlobalSection contains each global defined in this module.
	GlobalSection []*Global

	// ExportSection contains each export defined in this module, in declaration order.
	ExportSection []*Export

	// StartSection is the index of a function to call before returning from Store.Instantiate.
	//
	// Note: The index here is not the position in the FunctionSection, rather in the function index namespace, which
	// begins with imported functions.
	StartSection *Index

	ElementSection []*ElementSegment

	// CodeSection is index-correlated with FunctionSection and contains each function's locals and body.
	CodeSection []*Code

	DataSection []*DataSegment

	// DataCountSection is the count of data segments, required by the binary format when memory.init or data.drop
	// are used.
	DataCountSection *uint32

	// NameSection is set when the custom "name" section was successfully decoded from the binary format.
	NameSection *NameSection
}

// ImportCount returns the count of imports of the given kind.
func (m *Module) ImportCount(kind ExternType) (count uint32) {
	for _, im := range m.ImportSection {
		if im.Type == kind {
			count++
		}
	}
	return
}

// TypeOfFunction returns the FunctionType for the given function namespace index or nil.
func (m *Module) TypeOfFunction(funcIdx Index) *FunctionType {
	typeSectionLength := uint32(len(m.TypeSection))
	funcImportCount := Index(0)
	for _, im := range m.ImportSection {
		if im.Type != ExternTypeFunc {
			continue
		}
		if funcIdx == funcImportCount {
			if im.DescFunc >= typeSectionLength {
				return nil
			}
			return m.TypeSection[im.DescFunc]
		}
		funcImportCount++
	}
	funcSectionIdx := funcIdx - funcImportCount
	if funcSectionIdx >= uint32(len(m.FunctionSection)) {
		return nil
	}
	typeIdx := m.FunctionSection[funcSectionIdx]
	if typeIdx >= typeSectionLength {
		return nil
	}
	return m.TypeSection[typeIdx]
}

// FunctionName returns the name of the function at the given namespace index, or a placeholder based on the index
// when the NameSection doesn't define one.
func (m *Module) FunctionName(funcIdx Index) string {
	if m.NameSection != nil {
		for _, na := range m.NameSection.FunctionNames {
			if na.Index == funcIdx {
				return na.Name
			}
		}
	}
	for _, exp := range m.ExportSection {
		if exp.Type == ExternTypeFunc && exp.Index == funcIdx {
			return exp.Name
		}
	}
	return fmt.Sprintf("$%d", funcIdx)
}

// FunctionType is a possibly empty function signature.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#function-types%E2%91%A0
type FunctionType struct {
	// Params are the possibly empty sequence of value types accepted by a function with this signature.
	Params []ValueType

	// Results are the possibly empty sequence of value types returned by a function with this signature.
	Results []ValueType
}

// EqualsSignature returns true if the function type has the same parameters and results.
func (t *FunctionType) EqualsSignature(params []ValueType, results []ValueType) bool {
	return bytes.Equal(t.Params, params) && bytes.Equal(t.Results, results)
}

// String returns a signature key like "i32i32_i32", "null_f64" or "i64_null".
func (t *FunctionType) String() string {
	var ret strings.Builder
	for _, b := range t.Params {
		ret.WriteString(ValueTypeName(b))
	}
	if len(t.Params) == 0 {
		ret.WriteString("null")
	}
	ret.WriteByte('_')
	for _, b := range t.Results {
		ret.WriteString(ValueTypeName(b))
	}
	if len(t.Results) == 0 {
		ret.WriteString("null")
	}
	return ret.String()
}

// Import is the binary representation of an import indicated by Type
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-import
type Import struct {
	Type ExternType
	// Module is the possibly empty primary namespace of this import
	Module string
	// Name is the possibly empty secondary namespace of this import
	Name string
	// DescFunc is the index in Module.TypeSection when Type equals ExternTypeFunc
	DescFunc Index
	// DescTable is the inlined Table when Type equals ExternTypeTable
	DescTable *Table
	// DescMem is the inlined Memory when Type equals ExternTypeMemory
	DescMem *Memory
	// DescGlobal is the inlined GlobalType when Type equals ExternTypeGlobal
	DescGlobal *GlobalType
}

// Memory describes the limits of pages (64KB) in a memory.
type Memory struct {
	Min uint32
	// Max is nil when the memory has no declared maximum.
	Max *uint32
}

// Table describes the limits of elements and their type in a table.
type Table struct {
	Min uint32
	// Max is nil when the table has no declared maximum.
	Max  *uint32
	Type RefType
}

// GlobalType is the value type and mutability of a global.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// Global is a global defined in this module with its initializer.
type Global struct {
	Type *GlobalType
	Init *ConstantExpression
}

// ConstantExpression is a single instruction evaluated during instantiation. Data holds the immediate in its
// binary format encoding, excluding the terminating OpcodeEnd.
type ConstantExpression struct {
	Opcode Opcode
	Data   []byte
}

// Export is the binary representation of an export indicated by Type
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-export
type Export struct {
	Type ExternType
	// Name is what the host refers to this definition as.
	Name string
	// Index is the index of the definition to export, the index namespace is by Type
	// Ex. If ExternTypeFunc, this is a position in the function index namespace.
	Index Index
}

// ElementMode decides when an ElementSegment is applied.
type ElementMode byte

const (
	// ElementModeActive segments are copied into a table during instantiation.
	ElementModeActive ElementMode = iota
	// ElementModePassive segments are copied by "table.init".
	ElementModePassive
	// ElementModeDeclarative segments only forward-declare functions referenced by "ref.func".
	ElementModeDeclarative
)

// ElementInitNullReference is the value of ElementSegment.Init for a null reference.
const ElementInitNullReference Index = math.MaxUint32

// ElementSegment initializes a range of a table with function references.
type ElementSegment struct {
	// OffsetExpr is the position in the table, only used by ElementModeActive.
	OffsetExpr *ConstantExpression
	TableIndex Index
	// Init holds function indices, or ElementInitNullReference.
	Init []Index
	Type RefType
	Mode ElementMode
}

// IsActive returns true if the segment is applied during instantiation.
func (e *ElementSegment) IsActive() bool {
	return e.Mode == ElementModeActive
}

// Code is an entry in the Module.CodeSection containing the locals and body of the function.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-code
type Code struct {
	// LocalTypes are any function-scoped variables in insertion order.
	LocalTypes []ValueType
	// Body is a sequence of expressions ending in OpcodeEnd
	Body []byte
}

// DataSegment initializes a range of a memory with bytes.
type DataSegment struct {
	// OffsetExpression is the position in the memory. It is nil when Passive.
	OffsetExpression *ConstantExpression
	MemoryIndex      Index
	Init             []byte
	// Passive segments are copied by "memory.init" instead of during instantiation.
	Passive bool
}

// NameSection represent the known custom name subsections defined in the WebAssembly Binary Format
//
// Note: This can be nil if no names were decoded for any reason including configuration.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#name-section%E2%91%A0
type NameSection struct {
	// ModuleName is the symbolic identifier for a module. Ex. math
	ModuleName string

	// FunctionNames is an association of a function index to its symbolic identifier. Ex. add
	FunctionNames NameMap
}

// NameMap associates an index with any associated names.
type NameMap []*NameAssoc

type NameAssoc struct {
	Index Index
	Name  string
}

// SectionID identifies the sections of a Module in the WebAssembly Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#sections%E2%91%A0
type SectionID = byte

const (
	// SectionIDCustom includes the standard defined NameSection and possibly others not defined in the standard.
	SectionIDCustom SectionID = iota // don't add anything not in https://www.w3.org/TR/wasm-core-1/#sections%E2%91%A0
	SectionIDType
	SectionIDImport
	SectionIDFunction
	SectionIDTable
	SectionIDMemory
	SectionIDGlobal
	SectionIDExport
	SectionIDStart
	SectionIDElement
	SectionIDCode
	SectionIDData
	// SectionIDDataCount precedes the code section when bulk memory instructions reference data segments.
	SectionIDDataCount
)

// SectionIDName returns the canonical name of a module section.
// https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#sections%E2%91%A0
func SectionIDName(sectionID SectionID) string {
	switch sectionID {
	case SectionIDCustom:
		return "custom"
	case SectionIDType:
		return "type"
	case SectionIDImport:
		return "import"
	case SectionIDFunction:
		return "function"
	case SectionIDTable:
		return "table"
	case SectionIDMemory:
		return "memory"
	case SectionIDGlobal:
		return "global"
	case SectionIDExport:
		return "export"
	case SectionIDStart:
		return "start"
	case SectionIDElement:
		return "element"
	case SectionIDCode:
		return "code"
	case SectionIDData:
		return "data"
	case SectionIDDataCount:
		return "data_count"
	}
	return "unknown"
}
