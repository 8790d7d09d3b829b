package wakit

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/wakit/wakit/api"
	"github.com/wakit/wakit/internal/wasm"
)

// HostModuleBuilder is a way to define host functions (in Go), so that a WebAssembly module can import them.
//
// Ex. Below defines and instantiates a module named "env" with one function:
//
//	hello := func() {
//		fmt.Fprintln(stdout, "hello!")
//	}
//	env, _ := r.NewHostModuleBuilder("env").ExportFunction("hello", hello).Instantiate(ctx)
//
// Notes:
//   - HostModuleBuilder is mutable. WithXXX functions return the same instance for chaining.
//   - Errors in any ExportXXX call are returned together by Instantiate.
//   - Instantiate can only be called once per builder.
type HostModuleBuilder interface {
	// ExportFunction adds a function written in Go, which a WebAssembly module can import.
	//
	// Parameters and results must be int32, uint32, int64, uint64, float32 or float64. The function may take a
	// context.Context or an api.Module as its first parameter, and return an error as its last result.
	//
	// Ex. This uses the api.Module to read two numbers from the memory of the calling module:
	//
	//	addInts := func(m api.Module, offset uint32) uint32 {
	//		x, _ := m.Memory().ReadUint32Le(offset)
	//		y, _ := m.Memory().ReadUint32Le(offset + 4) // 32 bits == 4 bytes!
	//		return x + y
	//	}
	//
	// Note: If a function is already exported with the same name, this overwrites it.
	ExportFunction(exportName string, goFunc interface{}) HostModuleBuilder

	// ExportFunctions is a convenience that calls ExportFunction for each key/value in the provided map.
	ExportFunctions(nameToGoFunc map[string]interface{}) HostModuleBuilder

	// ExportGoModuleFunction adds a function with an explicit signature, which avoids reflection. params are encoded
	// per api.ValueType and the function must return one value per result type.
	ExportGoModuleFunction(exportName string, params, results []api.ValueType, fn api.GoModuleFunc) HostModuleBuilder

	// ExportMemory adds linear memory with the given minimum and no maximum number of 64KiB pages.
	//
	// Note: The maximum number of pages is still limited by RuntimeConfig.WithMemoryMaxPages.
	ExportMemory(name string, minPages uint32) HostModuleBuilder

	// ExportMemoryWithMax is like ExportMemory, but can limit the memory size to less than RuntimeConfig.WithMemoryMaxPages.
	ExportMemoryWithMax(name string, minPages, maxPages uint32) HostModuleBuilder

	// ExportTable adds a table of function references with the given minimum and no maximum number of elements.
	ExportTable(name string, minElements uint32) HostModuleBuilder

	// ExportGlobalI32 exports a global constant of type api.ValueTypeI32.
	ExportGlobalI32(name string, v int32) HostModuleBuilder

	// ExportGlobalI64 exports a global constant of type api.ValueTypeI64.
	ExportGlobalI64(name string, v int64) HostModuleBuilder

	// ExportGlobalF32 exports a global constant of type api.ValueTypeF32.
	ExportGlobalF32(name string, v float32) HostModuleBuilder

	// ExportGlobalF64 exports a global constant of type api.ValueTypeF64.
	ExportGlobalF64(name string, v float64) HostModuleBuilder

	// ExportMutableGlobal exports a global of the given type, which both the host and Wasm can change. v is encoded
	// per api.ValueType.
	ExportMutableGlobal(name string, valType api.ValueType, v uint64) HostModuleBuilder

	// Instantiate registers the module under its name, so that other modules can import its exports, and returns
	// it. Errors are a *LinkError.
	Instantiate(ctx context.Context) (api.Module, error)
}

// hostModuleBuilder implements HostModuleBuilder
type hostModuleBuilder struct {
	r          *runtime
	moduleName string
	// order and the maps below keep declaration order while letting a later export replace an earlier one.
	order     []string
	functions map[string]*wasm.HostFunc
	memories  map[string]*wasm.HostMemory
	tables    map[string]*wasm.HostTable
	globals   map[string]*wasm.HostGlobal
	err       error
}

// NewHostModuleBuilder implements Runtime.NewHostModuleBuilder
func (r *runtime) NewHostModuleBuilder(moduleName string) HostModuleBuilder {
	return &hostModuleBuilder{
		r:          r,
		moduleName: moduleName,
		functions:  map[string]*wasm.HostFunc{},
		memories:   map[string]*wasm.HostMemory{},
		tables:     map[string]*wasm.HostTable{},
		globals:    map[string]*wasm.HostGlobal{},
	}
}

// export forgets any earlier export of the same name, so that the latest one wins.
func (b *hostModuleBuilder) export(name string) {
	if _, ok := b.functions[name]; ok {
		delete(b.functions, name)
	} else if _, ok = b.memories[name]; ok {
		delete(b.memories, name)
	} else if _, ok = b.tables[name]; ok {
		delete(b.tables, name)
	} else if _, ok = b.globals[name]; ok {
		delete(b.globals, name)
	} else {
		b.order = append(b.order, name)
	}
}

// ExportFunction implements HostModuleBuilder.ExportFunction
func (b *hostModuleBuilder) ExportFunction(exportName string, goFunc interface{}) HostModuleBuilder {
	fn, err := wasm.NewGoFunc(exportName, goFunc)
	if err != nil {
		b.err = multierr.Append(b.err, err)
		return b
	}
	b.export(exportName)
	b.functions[exportName] = fn
	return b
}

// ExportFunctions implements HostModuleBuilder.ExportFunctions
func (b *hostModuleBuilder) ExportFunctions(nameToGoFunc map[string]interface{}) HostModuleBuilder {
	for k, v := range nameToGoFunc {
		b.ExportFunction(k, v)
	}
	return b
}

// ExportGoModuleFunction implements HostModuleBuilder.ExportGoModuleFunction
func (b *hostModuleBuilder) ExportGoModuleFunction(exportName string, params, results []api.ValueType, fn api.GoModuleFunc) HostModuleBuilder {
	if fn == nil {
		b.err = multierr.Append(b.err, fmt.Errorf("function %q is nil", exportName))
		return b
	}
	b.export(exportName)
	b.functions[exportName] = &wasm.HostFunc{
		ExportName: exportName,
		Type:       &wasm.FunctionType{Params: params, Results: results},
		Func:       fn,
	}
	return b
}

// ExportMemory implements HostModuleBuilder.ExportMemory
func (b *hostModuleBuilder) ExportMemory(name string, minPages uint32) HostModuleBuilder {
	return b.exportMemory(name, minPages, nil)
}

// ExportMemoryWithMax implements HostModuleBuilder.ExportMemoryWithMax
func (b *hostModuleBuilder) ExportMemoryWithMax(name string, minPages, maxPages uint32) HostModuleBuilder {
	return b.exportMemory(name, minPages, &maxPages)
}

func (b *hostModuleBuilder) exportMemory(name string, minPages uint32, maxPages *uint32) HostModuleBuilder {
	switch {
	case minPages > b.r.memoryMaxPages:
		b.err = multierr.Append(b.err, fmt.Errorf("memory[%s] min %d pages over limit of %d pages", name, minPages, b.r.memoryMaxPages))
		return b
	case maxPages != nil && *maxPages > b.r.memoryMaxPages:
		b.err = multierr.Append(b.err, fmt.Errorf("memory[%s] max %d pages over limit of %d pages", name, *maxPages, b.r.memoryMaxPages))
		return b
	case maxPages != nil && minPages > *maxPages:
		b.err = multierr.Append(b.err, fmt.Errorf("memory[%s] min %d pages > max %d pages", name, minPages, *maxPages))
		return b
	}
	b.export(name)
	b.memories[name] = &wasm.HostMemory{ExportName: name, Memory: &wasm.Memory{Min: minPages, Max: maxPages}}
	return b
}

// ExportTable implements HostModuleBuilder.ExportTable
func (b *hostModuleBuilder) ExportTable(name string, minElements uint32) HostModuleBuilder {
	if minElements > wasm.TableLimitElements {
		b.err = multierr.Append(b.err, fmt.Errorf("table[%s] min %d elements over limit of %d", name, minElements, wasm.TableLimitElements))
		return b
	}
	b.export(name)
	b.tables[name] = &wasm.HostTable{ExportName: name, Table: &wasm.Table{Min: minElements, Type: api.ValueTypeFuncref}}
	return b
}

// ExportGlobalI32 implements HostModuleBuilder.ExportGlobalI32
func (b *hostModuleBuilder) ExportGlobalI32(name string, v int32) HostModuleBuilder {
	return b.exportGlobal(name, api.ValueTypeI32, false, uint64(uint32(v)))
}

// ExportGlobalI64 implements HostModuleBuilder.ExportGlobalI64
func (b *hostModuleBuilder) ExportGlobalI64(name string, v int64) HostModuleBuilder {
	return b.exportGlobal(name, api.ValueTypeI64, false, uint64(v))
}

// ExportGlobalF32 implements HostModuleBuilder.ExportGlobalF32
func (b *hostModuleBuilder) ExportGlobalF32(name string, v float32) HostModuleBuilder {
	return b.exportGlobal(name, api.ValueTypeF32, false, api.EncodeF32(v))
}

// ExportGlobalF64 implements HostModuleBuilder.ExportGlobalF64
func (b *hostModuleBuilder) ExportGlobalF64(name string, v float64) HostModuleBuilder {
	return b.exportGlobal(name, api.ValueTypeF64, false, api.EncodeF64(v))
}

// ExportMutableGlobal implements HostModuleBuilder.ExportMutableGlobal
func (b *hostModuleBuilder) ExportMutableGlobal(name string, valType api.ValueType, v uint64) HostModuleBuilder {
	return b.exportGlobal(name, valType, true, v)
}

func (b *hostModuleBuilder) exportGlobal(name string, valType api.ValueType, mutable bool, v uint64) HostModuleBuilder {
	b.export(name)
	b.globals[name] = &wasm.HostGlobal{ExportName: name, Type: &wasm.GlobalType{ValType: valType, Mutable: mutable}, Val: v}
	return b
}

// hostModule returns the wasm.HostModule with exports in the order they were first added.
func (b *hostModuleBuilder) hostModule() *wasm.HostModule {
	h := &wasm.HostModule{Name: b.moduleName}
	for _, name := range b.order {
		if fn, ok := b.functions[name]; ok {
			h.Functions = append(h.Functions, fn)
		} else if m, ok := b.memories[name]; ok {
			h.Memories = append(h.Memories, m)
		} else if t, ok := b.tables[name]; ok {
			h.Tables = append(h.Tables, t)
		} else if g, ok := b.globals[name]; ok {
			h.Globals = append(h.Globals, g)
		}
	}
	return h
}

// Instantiate implements HostModuleBuilder.Instantiate
func (b *hostModuleBuilder) Instantiate(context.Context) (api.Module, error) {
	if b.err != nil {
		return nil, &wasm.LinkError{Module: b.moduleName, Err: b.err}
	}

	b.r.mux.Lock()
	defer b.r.mux.Unlock()
	mi, err := b.r.store.InstantiateHostModule(b.hostModule())
	if err != nil {
		return nil, err
	}
	return b.r.store.ModuleView(mi.ID), nil
}
