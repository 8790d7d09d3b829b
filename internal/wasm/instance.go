package wasm

import "fmt"

// ModuleInstance represents instantiated wasm module.
//
// ModuleInstance maps the index namespaces of its module to addresses in the Store. Imports occupy the low indices of
// each namespace, followed by the objects defined by the module in declaration order.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#syntax-moduleinst
type ModuleInstance struct {
	// ID is the position of this instance in Store.Modules.
	ID   ModuleInstanceID
	Name string

	// Types are the function types of the module, used for the dynamic type check of "call_indirect".
	Types []*FunctionType

	Functions []FunctionAddress
	Tables    []TableAddress
	Memories  []MemoryAddress
	Globals   []GlobalAddress

	Exports map[string]ExternalValue
	// ExportNames are the keys of Exports in declaration order.
	ExportNames []string

	// ElementInstances are the references of each element segment, nil once dropped. Active and declarative
	// segments are dropped during instantiation.
	ElementInstances [][]Reference

	// DataInstances are the bytes of each data segment, nil once dropped. Active segments are dropped during
	// instantiation.
	DataInstances [][]byte
}

// ExternalValue is a reference to a Store object of any kind. It is what an import resolves to and what an export
// exposes.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#external-values%E2%91%A0
type ExternalValue struct {
	Type ExternType
	// Address is a FunctionAddress, TableAddress, MemoryAddress or GlobalAddress, depending on Type.
	Address uint32
}

// ExternFunction returns the ExternalValue of a function address.
func ExternFunction(addr FunctionAddress) ExternalValue {
	return ExternalValue{Type: ExternTypeFunc, Address: uint32(addr)}
}

// ExternTable returns the ExternalValue of a table address.
func ExternTable(addr TableAddress) ExternalValue {
	return ExternalValue{Type: ExternTypeTable, Address: uint32(addr)}
}

// ExternMemory returns the ExternalValue of a memory address.
func ExternMemory(addr MemoryAddress) ExternalValue {
	return ExternalValue{Type: ExternTypeMemory, Address: uint32(addr)}
}

// ExternGlobal returns the ExternalValue of a global address.
func ExternGlobal(addr GlobalAddress) ExternalValue {
	return ExternalValue{Type: ExternTypeGlobal, Address: uint32(addr)}
}

func (e ExternalValue) String() string {
	return fmt.Sprintf("%s[%d]", ExternTypeName(e.Type), e.Address)
}

// export returns the export of the given name and kind.
func (m *ModuleInstance) export(name string, kind ExternType) (ExternalValue, error) {
	exp, ok := m.Exports[name]
	if !ok {
		return ExternalValue{}, fmt.Errorf("%q is not exported in module %q", name, m.Name)
	}
	if exp.Type != kind {
		return ExternalValue{}, fmt.Errorf("export %q in module %q is a %s, not a %s",
			name, m.Name, ExternTypeName(exp.Type), ExternTypeName(kind))
	}
	return exp, nil
}

// ExportedFunction returns the address of the function exported under the given name.
func (m *ModuleInstance) ExportedFunction(name string) (FunctionAddress, error) {
	exp, err := m.export(name, ExternTypeFunc)
	return FunctionAddress(exp.Address), err
}

// ExportedTable returns the address of the table exported under the given name.
func (m *ModuleInstance) ExportedTable(name string) (TableAddress, error) {
	exp, err := m.export(name, ExternTypeTable)
	return TableAddress(exp.Address), err
}

// ExportedMemory returns the address of the memory exported under the given name.
func (m *ModuleInstance) ExportedMemory(name string) (MemoryAddress, error) {
	exp, err := m.export(name, ExternTypeMemory)
	return MemoryAddress(exp.Address), err
}

// ExportedGlobal returns the address of the global exported under the given name.
func (m *ModuleInstance) ExportedGlobal(name string) (GlobalAddress, error) {
	exp, err := m.export(name, ExternTypeGlobal)
	return GlobalAddress(exp.Address), err
}

// addExport records an export, keeping ExportNames in declaration order.
func (m *ModuleInstance) addExport(name string, ev ExternalValue) {
	if _, ok := m.Exports[name]; !ok {
		m.ExportNames = append(m.ExportNames, name)
	}
	m.Exports[name] = ev
}
