package wasm

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/wakit/wakit/api"
)

type (
	// FunctionAddress is a position in Store.Functions.
	FunctionAddress uint32
	// TableAddress is a position in Store.Tables.
	TableAddress uint32
	// MemoryAddress is a position in Store.Memories.
	MemoryAddress uint32
	// GlobalAddress is a position in Store.Globals.
	GlobalAddress uint32
	// ModuleInstanceID is a position in Store.Modules.
	ModuleInstanceID uint32
)

// NoModuleInstance is the ModuleInstanceID of a host function allocated outside any module.
const NoModuleInstance = ModuleInstanceID(math.MaxUint32)

// Store is the runtime representation of "instantiated" Wasm module and objects.
// Multiple modules can be instantiated within a single store, and each instance,
// (e.g. function instance) can be referenced by other module instances in a Store via Module.ImportSection.
//
// Every object is named by an address: its position in the corresponding slice. Slices are only appended to, so an
// address is valid for the lifetime of the Store if and only if it is less than the length of its slice.
//
// Note: A Store is not safe for concurrent use.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#store%E2%91%A0
type Store struct {
	// Engine executes function instances of this store.
	Engine Engine

	// Logger receives instantiation and link diagnostics. Never nil.
	Logger *zap.Logger

	// MemoryLimitPages caps the growth of memories allocated after it is set. Zero means
	// buildoptions.MemoryLimitPages.
	MemoryLimitPages uint32

	Functions []*FunctionInstance
	Tables    []*TableInstance
	Memories  []*MemoryInstance
	Globals   []*GlobalInstance

	// Modules is the arena of module instances. FunctionInstance.Module is a position in it.
	Modules []*ModuleInstance

	// moduleNames holds the instances that imports can be resolved against by name. A nil value reserves the name
	// while its module is being instantiated.
	moduleNames map[string]*ModuleInstance
}

// NewStore returns an empty store which executes functions with the given engine. A nil logger discards logs.
func NewStore(engine Engine, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		Engine:      engine,
		Logger:      logger,
		moduleNames: map[string]*ModuleInstance{},
	}
}

// FunctionInstance represents a function instance in a Store.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#function-instances%E2%91%A0
type FunctionInstance struct {
	// Address is the position of this function in Store.Functions.
	Address FunctionAddress

	// Type is the signature of this function.
	Type *FunctionType

	// Module is the instance this function's body resolves indices against, or NoModuleInstance.
	Module ModuleInstanceID

	// Index is the position of this function in the function index namespace of its module.
	Index Index

	// Name is for debugging purposes, and is used to augment stack traces.
	Name string

	// Code is the locals and body of a Wasm function. It is nil for a host function.
	Code *Code

	// HostFunc implements a host function. It is nil for a Wasm function.
	HostFunc api.GoModuleFunc
}

// IsHostFunction returns true if this function is implemented in Go.
func (f *FunctionInstance) IsHostFunction() bool {
	return f.HostFunc != nil
}

// Definition returns the description of this function passed to listeners.
func (f *FunctionInstance) Definition() api.FunctionDefinition {
	return functionDefinition{f}
}

// functionDefinition implements api.FunctionDefinition
type functionDefinition struct {
	f *FunctionInstance
}

func (d functionDefinition) Name() string { return d.f.Name }
func (d functionDefinition) ParamTypes() []ValueType { return d.f.Type.Params }
func (d functionDefinition) ResultTypes() []ValueType { return d.f.Type.Results }
func (d functionDefinition) IsHostFunction() bool { return d.f.IsHostFunction() }

// AllocateFunction appends a Wasm function whose body resolves indices against the module instance.
func (s *Store) AllocateFunction(typ *FunctionType, module ModuleInstanceID, index Index, code *Code, name string) FunctionAddress {
	addr := FunctionAddress(len(s.Functions))
	s.Functions = append(s.Functions, &FunctionInstance{
		Address: addr,
		Type:    typ,
		Module:  module,
		Index:   index,
		Name:    name,
		Code:    code,
	})
	return addr
}

// AllocateHostFunction appends a function implemented by the host callback fn.
func (s *Store) AllocateHostFunction(typ *FunctionType, fn api.GoModuleFunc, name string) FunctionAddress {
	addr := FunctionAddress(len(s.Functions))
	s.Functions = append(s.Functions, &FunctionInstance{
		Address:  addr,
		Type:     typ,
		Module:   NoModuleInstance,
		Name:     name,
		HostFunc: fn,
	})
	return addr
}

// AllocateTable appends a table of t.Min null references.
func (s *Store) AllocateTable(t *Table) TableAddress {
	addr := TableAddress(len(s.Tables))
	s.Tables = append(s.Tables, NewTableInstance(t))
	return addr
}

// AllocateMemory appends a memory of m.Min zeroed pages.
func (s *Store) AllocateMemory(m *Memory) MemoryAddress {
	addr := MemoryAddress(len(s.Memories))
	s.Memories = append(s.Memories, NewMemoryInstance(m, s.MemoryLimitPages))
	return addr
}

// AllocateGlobal appends a global holding val.
func (s *Store) AllocateGlobal(t *GlobalType, val uint64) GlobalAddress {
	addr := GlobalAddress(len(s.Globals))
	s.Globals = append(s.Globals, &GlobalInstance{Type: t, Val: val})
	return addr
}

// allocateModule appends the module instance to the arena and assigns its ID.
func (s *Store) allocateModule(mi *ModuleInstance) ModuleInstanceID {
	mi.ID = ModuleInstanceID(len(s.Modules))
	s.Modules = append(s.Modules, mi)
	return mi.ID
}

// Module returns the instance registered under the given name or nil.
func (s *Store) Module(name string) *ModuleInstance {
	return s.moduleNames[name]
}

// ReleaseModuleName makes the name available to another module. The instance and its objects stay in the store,
// as other modules may still reference them.
func (s *Store) ReleaseModuleName(name string) {
	delete(s.moduleNames, name)
}

// reserveModuleName fails if the name is in use. The empty name is anonymous and never reserved.
func (s *Store) reserveModuleName(name string) error {
	if name == "" {
		return nil
	}
	if _, ok := s.moduleNames[name]; ok {
		return &LinkError{Module: name, Err: ErrModuleNameAlreadyRegistered}
	}
	s.moduleNames[name] = nil
	return nil
}

func (s *Store) registerModuleName(mi *ModuleInstance) {
	if mi.Name != "" {
		s.moduleNames[mi.Name] = mi
	}
}

// Value is a typed value passed to or returned from Store.Invoke.
type Value struct {
	Type ValueType
	// Raw is the value encoded as described on api.ValueType.
	Raw uint64
}

// ValueI32 returns an i32 Value.
func ValueI32(v uint32) Value { return Value{Type: ValueTypeI32, Raw: uint64(v)} }

// ValueI64 returns an i64 Value.
func ValueI64(v uint64) Value { return Value{Type: ValueTypeI64, Raw: v} }

// ValueF32 returns an f32 Value.
func ValueF32(v float32) Value { return Value{Type: ValueTypeF32, Raw: api.EncodeF32(v)} }

// ValueF64 returns an f64 Value.
func ValueF64(v float64) Value { return Value{Type: ValueTypeF64, Raw: api.EncodeF64(v)} }

// Invoke calls the function at the address with args, which must match its parameter types. Arity or type mismatch
// is reported as ErrInvalidInvocation without executing anything. Failures during execution are a *Trap, or the
// error returned by a host function.
func (s *Store) Invoke(ctx context.Context, addr FunctionAddress, args []Value) ([]Value, error) {
	if int(addr) >= len(s.Functions) {
		return nil, fmt.Errorf("%w: function address %d out of range", ErrInvalidInvocation, addr)
	}
	f := s.Functions[addr]
	if len(args) != len(f.Type.Params) {
		return nil, fmt.Errorf("%w: %s expects %d params, but passed %d", ErrInvalidInvocation, f.Name, len(f.Type.Params), len(args))
	}
	params := make([]uint64, len(args))
	for i, arg := range args {
		if want := f.Type.Params[i]; arg.Type != want {
			return nil, fmt.Errorf("%w: %s param[%d] must be %s, but was %s", ErrInvalidInvocation,
				f.Name, i, ValueTypeName(want), ValueTypeName(arg.Type))
		}
		params[i] = arg.Raw
	}

	raw, err := s.Engine.Call(ctx, s, f, params)
	if err != nil {
		return nil, err
	}
	results := make([]Value, len(raw))
	for i, r := range raw {
		results[i] = Value{Type: f.Type.Results[i], Raw: r}
	}
	return results, nil
}
