package wasm

import (
	"context"
	"fmt"

	"github.com/wakit/wakit/api"
)

// ModuleView returns the api.Module of the instance with the given ID, or nil if there is none, as is the case for
// NoModuleInstance.
func (s *Store) ModuleView(id ModuleInstanceID) api.Module {
	return s.CallerModuleView(id, nil)
}

// CallerModuleView is like ModuleView, except functions called through the view run as part of the invocation
// identified by caller, even when the context passed to them doesn't carry it. Engines pass such views to host
// functions, so that depth and fuel limits hold across re-entrance. The view must not be used after the host
// function returns.
func (s *Store) CallerModuleView(id ModuleInstanceID, caller interface{}) api.Module {
	if int(id) >= len(s.Modules) {
		return nil
	}
	return &moduleView{s: s, mi: s.Modules[id], caller: caller}
}

// callerKey is the context key of the invocation calling a host function.
type callerKey struct{}

// WithCaller returns a context which carries the engine state of the invocation calling a host function.
func WithCaller(ctx context.Context, caller interface{}) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Caller returns the value attached with WithCaller, or nil.
func Caller(ctx context.Context) interface{} {
	return ctx.Value(callerKey{})
}

// moduleView implements api.Module over a ModuleInstance of a Store.
type moduleView struct {
	s      *Store
	mi     *ModuleInstance
	caller interface{}
}

// compile-time check to ensure moduleView is an api.Module
var _ api.Module = &moduleView{}

// String implements fmt.Stringer
func (m *moduleView) String() string {
	return fmt.Sprintf("Module[%s]", m.mi.Name)
}

// Name implements api.Module Name
func (m *moduleView) Name() string {
	return m.mi.Name
}

// Instance returns the underlying module instance.
func (m *moduleView) Instance() *ModuleInstance {
	return m.mi
}

// Memory implements api.Module Memory
func (m *moduleView) Memory() api.Memory {
	if len(m.mi.Memories) == 0 {
		return nil
	}
	return m.s.Memories[m.mi.Memories[0]]
}

// ExportedFunction implements api.Module ExportedFunction
func (m *moduleView) ExportedFunction(name string) api.Function {
	addr, err := m.mi.ExportedFunction(name)
	if err != nil {
		return nil
	}
	return &exportedFunction{s: m.s, f: m.s.Functions[addr], caller: m.caller}
}

// ExportedMemory implements api.Module ExportedMemory
func (m *moduleView) ExportedMemory(name string) api.Memory {
	addr, err := m.mi.ExportedMemory(name)
	if err != nil {
		return nil
	}
	return m.s.Memories[addr]
}

// ExportedGlobal implements api.Module ExportedGlobal
func (m *moduleView) ExportedGlobal(name string) api.Global {
	addr, err := m.mi.ExportedGlobal(name)
	if err != nil {
		return nil
	}
	return m.s.Globals[addr].Global()
}

// ExportedTable implements api.Module ExportedTable
func (m *moduleView) ExportedTable(name string) api.Table {
	addr, err := m.mi.ExportedTable(name)
	if err != nil {
		return nil
	}
	return m.s.Tables[addr]
}

// exportedFunction implements api.Function over a FunctionInstance of a Store.
type exportedFunction struct {
	s      *Store
	f      *FunctionInstance
	caller interface{}
}

// ParamTypes implements api.Function ParamTypes
func (f *exportedFunction) ParamTypes() []api.ValueType {
	return f.f.Type.Params
}

// ResultTypes implements api.Function ResultTypes
func (f *exportedFunction) ResultTypes() []api.ValueType {
	return f.f.Type.Results
}

// Call implements api.Function Call
func (f *exportedFunction) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(params) != len(f.f.Type.Params) {
		return nil, fmt.Errorf("%w: %s expects %d params, but passed %d",
			ErrInvalidInvocation, f.f.Name, len(f.f.Type.Params), len(params))
	}
	if f.caller != nil && Caller(ctx) == nil {
		ctx = WithCaller(ctx, f.caller)
	}
	return f.s.Engine.Call(ctx, f.s, f.f, params)
}
