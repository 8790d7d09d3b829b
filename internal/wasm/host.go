package wasm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wakit/wakit/api"
)

// HostFunc is a function implemented in Go and exported by a HostModule.
type HostFunc struct {
	ExportName string
	Type       *FunctionType
	Func       api.GoModuleFunc
}

// HostGlobal is a global exported by a HostModule.
type HostGlobal struct {
	ExportName string
	Type       *GlobalType
	Val        uint64
}

// HostMemory is a memory exported by a HostModule.
type HostMemory struct {
	ExportName string
	Memory     *Memory
}

// HostTable is a table exported by a HostModule.
type HostTable struct {
	ExportName string
	Table      *Table
}

// HostModule defines a module whose exports are provided by the embedder instead of Wasm code, so that Wasm modules
// can import them by name.
type HostModule struct {
	Name      string
	Functions []*HostFunc
	Globals   []*HostGlobal
	Memories  []*HostMemory
	Tables    []*HostTable
}

// InstantiateHostModule allocates the objects of the host module and registers it under its name.
func (s *Store) InstantiateHostModule(h *HostModule) (*ModuleInstance, error) {
	if err := checkHostExportNames(h); err != nil {
		return nil, &LinkError{Module: h.Name, Err: err}
	}
	if err := s.reserveModuleName(h.Name); err != nil {
		return nil, err
	}

	mi := &ModuleInstance{Name: h.Name, Exports: map[string]ExternalValue{}}
	s.allocateModule(mi)

	for _, fn := range h.Functions {
		addr := s.AllocateHostFunction(fn.Type, fn.Func, fmt.Sprintf("%s.%s", h.Name, fn.ExportName))
		f := s.Functions[addr]
		f.Module, f.Index = mi.ID, Index(len(mi.Functions))
		mi.Types = append(mi.Types, fn.Type)
		mi.Functions = append(mi.Functions, addr)
		mi.addExport(fn.ExportName, ExternFunction(addr))
	}
	for _, t := range h.Tables {
		addr := s.AllocateTable(t.Table)
		mi.Tables = append(mi.Tables, addr)
		mi.addExport(t.ExportName, ExternTable(addr))
	}
	for _, m := range h.Memories {
		addr := s.AllocateMemory(m.Memory)
		mi.Memories = append(mi.Memories, addr)
		mi.addExport(m.ExportName, ExternMemory(addr))
	}
	for _, g := range h.Globals {
		addr := s.AllocateGlobal(g.Type, g.Val)
		mi.Globals = append(mi.Globals, addr)
		mi.addExport(g.ExportName, ExternGlobal(addr))
	}

	s.registerModuleName(mi)
	s.Logger.Debug("instantiated host module",
		zap.String("module", h.Name),
		zap.Uint32("id", uint32(mi.ID)),
		zap.Int("functions", len(mi.Functions)))
	return mi, nil
}

func checkHostExportNames(h *HostModule) error {
	seen := map[string]struct{}{}
	check := func(name string) error {
		if _, ok := seen[name]; ok {
			return fmt.Errorf("duplicate export name %q", name)
		}
		seen[name] = struct{}{}
		return nil
	}
	for _, fn := range h.Functions {
		if fn.Type == nil || fn.Func == nil {
			return fmt.Errorf("function %q has no type or implementation", fn.ExportName)
		}
		if err := check(fn.ExportName); err != nil {
			return err
		}
	}
	for _, t := range h.Tables {
		if err := check(t.ExportName); err != nil {
			return err
		}
	}
	for _, m := range h.Memories {
		if err := check(m.ExportName); err != nil {
			return err
		}
	}
	for _, g := range h.Globals {
		if err := check(g.ExportName); err != nil {
			return err
		}
	}
	return nil
}
