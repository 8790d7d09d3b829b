package wakit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wakit/wakit/api"
	"github.com/wakit/wakit/internal/wasm"
	"github.com/wakit/wakit/internal/wasm/binary"
	"github.com/wakit/wakit/internal/wasm/interpreter"
)

// Runtime allows embedding of WebAssembly modules.
//
// Ex.
//
//	ctx := context.Background()
//	r := wakit.NewRuntime()
//	compiled, _ := r.CompileModule(source)
//	module, _ := r.InstantiateModule(ctx, compiled, "math")
//	results, _ := module.ExportedFunction("add").Call(ctx, 2, 3)
//
// Instantiation is safe for concurrent use. Calls into modules share the objects of the Runtime, so they must not
// run concurrently with each other or with instantiation.
type Runtime interface {
	// NewHostModuleBuilder lets you create modules out of functions defined in Go.
	//
	// Ex. Below defines and instantiates a module named "env" with one function:
	//
	//	hello := func() {
	//		fmt.Fprintln(stdout, "hello!")
	//	}
	//	_, err := r.NewHostModuleBuilder("env").ExportFunction("hello", hello).Instantiate(ctx)
	NewHostModuleBuilder(moduleName string) HostModuleBuilder

	// Module returns exports from an instantiated module or nil if there aren't any.
	Module(moduleName string) api.Module

	// CompileModule decodes the WebAssembly binary source or errs if invalid. The result can be instantiated any
	// number of times, under different names.
	CompileModule(source []byte) (*CompiledModule, error)

	// InstantiateModule links the compiled module against the modules registered in this Runtime, runs its start
	// function, if any, and registers it under moduleName so other modules can import its exports.
	//
	// An empty moduleName defaults to the name in the custom name section of the source. If that is also empty, the
	// module is instantiated but not registered.
	//
	// Errors are a *LinkError. A trap in the start function wraps ErrStartFunctionTrapped.
	//
	// Note: A host function called from the start function must not call methods of this Runtime.
	InstantiateModule(ctx context.Context, compiled *CompiledModule, moduleName string) (api.Module, error)

	// InstantiateModuleFromBinary is a convenience utility that chains CompileModule with InstantiateModule, using
	// the module name of the source.
	InstantiateModuleFromBinary(ctx context.Context, source []byte) (api.Module, error)
}

// NewRuntime returns a runtime with the default configuration. See NewRuntimeConfig
func NewRuntime() Runtime {
	return NewRuntimeWithConfig(NewRuntimeConfig())
}

// NewRuntimeWithConfig returns a runtime with the given configuration.
func NewRuntimeWithConfig(config *RuntimeConfig) Runtime {
	logger := config.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := wasm.NewStore(interpreter.NewEngine(config.engineConfig()), logger)
	store.MemoryLimitPages = config.memoryMaxPages
	return &runtime{store: store, memoryMaxPages: config.memoryMaxPages, logger: logger}
}

// runtime allows decoupling of public interfaces from internal representation.
type runtime struct {
	// mux guards the name registry and the object slices of store while a module is instantiated.
	mux            sync.Mutex
	store          *wasm.Store
	memoryMaxPages uint32
	logger         *zap.Logger
}

// Module implements Runtime.Module
func (r *runtime) Module(moduleName string) api.Module {
	r.mux.Lock()
	defer r.mux.Unlock()
	mi := r.store.Module(moduleName)
	if mi == nil {
		return nil
	}
	return r.store.ModuleView(mi.ID)
}

// CompileModule implements Runtime.CompileModule
func (r *runtime) CompileModule(source []byte) (*CompiledModule, error) {
	if source == nil {
		return nil, errors.New("source == nil")
	}
	m, err := binary.DecodeModule(source, r.memoryMaxPages)
	if err != nil {
		return nil, err
	}
	ret := &CompiledModule{module: m}
	if m.NameSection != nil {
		ret.name = m.NameSection.ModuleName
	}
	return ret, nil
}

// InstantiateModule implements Runtime.InstantiateModule
func (r *runtime) InstantiateModule(ctx context.Context, compiled *CompiledModule, moduleName string) (api.Module, error) {
	if compiled == nil {
		return nil, errors.New("compiled == nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if moduleName == "" {
		moduleName = compiled.name
	}

	r.mux.Lock()
	defer r.mux.Unlock()
	mi, err := r.store.InstantiateNamed(ctx, compiled.module, moduleName)
	if err != nil {
		return nil, err
	}
	return r.store.ModuleView(mi.ID), nil
}

// InstantiateModuleFromBinary implements Runtime.InstantiateModuleFromBinary
func (r *runtime) InstantiateModuleFromBinary(ctx context.Context, source []byte) (api.Module, error) {
	compiled, err := r.CompileModule(source)
	if err != nil {
		return nil, err
	}
	return r.InstantiateModule(ctx, compiled, "")
}

// CompiledModule is a decoded WebAssembly module ready to be instantiated (Runtime.InstantiateModule) as an
// api.Module.
//
// Note: In WebAssembly language, this is a decoded module. wakit avoids using the name "Module" for both before and
// after instantiation as the name conflation has caused confusion.
type CompiledModule struct {
	module *wasm.Module
	name   string
}

// Name is the module name in the custom name section of the source, or empty if there is none.
func (c *CompiledModule) Name() string {
	return c.name
}

// ImportDefinition describes an import of a CompiledModule.
type ImportDefinition struct {
	// Module and Name are the names the import is resolved by.
	Module, Name string
	Type         api.ExternType
	// Description is the signature of a function, or the limits or value type of the other kinds.
	Description string
}

// ExportDefinition describes an export of a CompiledModule.
type ExportDefinition struct {
	Name string
	Type api.ExternType
	// Index is the position of the export in the index namespace of its kind, imports first.
	Index uint32
	// Description is the signature of a function, or empty for other kinds.
	Description string
}

// Imports returns the imports of the module in declaration order.
func (c *CompiledModule) Imports() []ImportDefinition {
	ret := make([]ImportDefinition, 0, len(c.module.ImportSection))
	for _, imp := range c.module.ImportSection {
		def := ImportDefinition{Module: imp.Module, Name: imp.Name, Type: imp.Type}
		switch imp.Type {
		case api.ExternTypeFunc:
			if int(imp.DescFunc) < len(c.module.TypeSection) {
				def.Description = c.module.TypeSection[imp.DescFunc].String()
			}
		case api.ExternTypeTable:
			def.Description = describeLimits(api.ValueTypeName(imp.DescTable.Type), imp.DescTable.Min, imp.DescTable.Max)
		case api.ExternTypeMemory:
			def.Description = describeLimits("pages", imp.DescMem.Min, imp.DescMem.Max)
		case api.ExternTypeGlobal:
			def.Description = describeGlobal(imp.DescGlobal)
		}
		ret = append(ret, def)
	}
	return ret
}

// Exports returns the exports of the module in declaration order.
func (c *CompiledModule) Exports() []ExportDefinition {
	var importedFuncs uint32
	var funcTypes []*wasm.FunctionType
	for _, imp := range c.module.ImportSection {
		if imp.Type == api.ExternTypeFunc {
			importedFuncs++
			funcTypes = append(funcTypes, c.functionType(imp.DescFunc))
		}
	}
	for _, typeIndex := range c.module.FunctionSection {
		funcTypes = append(funcTypes, c.functionType(typeIndex))
	}

	ret := make([]ExportDefinition, 0, len(c.module.ExportSection))
	for _, exp := range c.module.ExportSection {
		def := ExportDefinition{Name: exp.Name, Type: exp.Type, Index: exp.Index}
		if exp.Type == api.ExternTypeFunc && int(exp.Index) < len(funcTypes) && funcTypes[exp.Index] != nil {
			def.Description = funcTypes[exp.Index].String()
		}
		ret = append(ret, def)
	}
	return ret
}

func (c *CompiledModule) functionType(typeIndex wasm.Index) *wasm.FunctionType {
	if int(typeIndex) >= len(c.module.TypeSection) {
		return nil
	}
	return c.module.TypeSection[typeIndex]
}

func describeLimits(unit string, min uint32, max *uint32) string {
	if max == nil {
		return fmt.Sprintf("%s{min=%d}", unit, min)
	}
	return fmt.Sprintf("%s{min=%d, max=%d}", unit, min, *max)
}

func describeGlobal(g *wasm.GlobalType) string {
	if g.Mutable {
		return "mut " + api.ValueTypeName(g.ValType)
	}
	return api.ValueTypeName(g.ValType)
}
