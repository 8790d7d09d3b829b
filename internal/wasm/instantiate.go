package wasm

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Instantiate links the module against externs, which resolve each of its imports in declaration order, and returns
// the resulting instance. A non-empty name is registered so that later modules can import from this one. See
// InstantiateNamed
//
// Failures are returned as a *LinkError: nothing is registered or exported in that case. Objects allocated before
// the failure remain in the Store, as it is append-only, but nothing references them.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#instantiation%E2%91%A1
func (s *Store) Instantiate(ctx context.Context, module *Module, name string, externs []ExternalValue) (*ModuleInstance, error) {
	if err := s.reserveModuleName(name); err != nil {
		return nil, err
	}

	mi, err := s.instantiate(ctx, module, name, externs)
	if err != nil {
		s.ReleaseModuleName(name)
		s.Logger.Debug("instantiation failed", zap.String("module", name), zap.Error(err))
		return nil, err
	}

	s.registerModuleName(mi)
	s.Logger.Debug("instantiated module",
		zap.String("module", name),
		zap.Uint32("id", uint32(mi.ID)),
		zap.Int("functions", len(mi.Functions)),
		zap.Int("tables", len(mi.Tables)),
		zap.Int("memories", len(mi.Memories)),
		zap.Int("globals", len(mi.Globals)))
	return mi, nil
}

// InstantiateNamed resolves each import by its module and field name against the modules registered in this Store,
// then instantiates the module as Instantiate does.
func (s *Store) InstantiateNamed(ctx context.Context, module *Module, name string) (*ModuleInstance, error) {
	externs, err := s.ResolveImports(module)
	if err != nil {
		s.Logger.Debug("import resolution failed", zap.String("module", name), zap.Error(err))
		return nil, err
	}
	return s.Instantiate(ctx, module, name, externs)
}

// ResolveImports looks up the export each import of the module names.
func (s *Store) ResolveImports(module *Module) ([]ExternalValue, error) {
	externs := make([]ExternalValue, 0, len(module.ImportSection))
	for _, imp := range module.ImportSection {
		m := s.Module(imp.Module)
		if m == nil {
			return nil, &LinkError{Module: imp.Module, Name: imp.Name,
				Err: fmt.Errorf("%w: module %q is not instantiated", ErrImportNotFound, imp.Module)}
		}
		ev, ok := m.Exports[imp.Name]
		if !ok {
			return nil, &LinkError{Module: imp.Module, Name: imp.Name,
				Err: fmt.Errorf("%w: %q is not exported in module %q", ErrImportNotFound, imp.Name, imp.Module)}
		}
		externs = append(externs, ev)
	}
	return externs, nil
}

// importedAddresses are the addresses resolved for each import kind, in declaration order.
type importedAddresses struct {
	functions []FunctionAddress
	tables    []TableAddress
	memories  []MemoryAddress
	globals   []GlobalAddress
}

func (s *Store) instantiate(ctx context.Context, module *Module, name string, externs []ExternalValue) (*ModuleInstance, error) {
	imported, err := s.resolveExternalValues(module, externs)
	if err != nil {
		return nil, err
	}

	if err = checkConstantExpressions(module, uint32(len(imported.globals)), uint32(len(imported.functions)+len(module.FunctionSection))); err != nil {
		return nil, &LinkError{Module: name, Err: err}
	}

	// The provisional instance sees only imported globals: initializers can't reference locally defined ones.
	mi := &ModuleInstance{
		Name:      name,
		Types:     module.TypeSection,
		Functions: imported.functions,
		Tables:    imported.tables,
		Memories:  imported.memories,
		Globals:   imported.globals,
		Exports:   make(map[string]ExternalValue, len(module.ExportSection)),
	}
	s.allocateModule(mi)

	for i, typeIdx := range module.FunctionSection {
		idx := Index(len(imported.functions) + i)
		fnName := fmt.Sprintf("%s.%s", name, module.FunctionName(idx))
		mi.Functions = append(mi.Functions, s.AllocateFunction(module.TypeSection[typeIdx], mi.ID, idx, module.CodeSection[i], fnName))
	}
	for _, t := range module.TableSection {
		mi.Tables = append(mi.Tables, s.AllocateTable(t))
	}
	for _, m := range module.MemorySection {
		mi.Memories = append(mi.Memories, s.AllocateMemory(m))
	}

	localGlobals := make([]GlobalAddress, 0, len(module.GlobalSection))
	for i, g := range module.GlobalSection {
		v, err := s.evalConstantExpression(mi, g.Init)
		if err != nil {
			return nil, &LinkError{Module: name, Err: fmt.Errorf("global[%d]: %w", i, err)}
		}
		localGlobals = append(localGlobals, s.AllocateGlobal(g.Type, v))
	}
	mi.Globals = append(mi.Globals, localGlobals...)

	for _, exp := range module.ExportSection {
		var ev ExternalValue
		switch exp.Type {
		case ExternTypeFunc:
			ev = ExternFunction(mi.Functions[exp.Index])
		case ExternTypeTable:
			ev = ExternTable(mi.Tables[exp.Index])
		case ExternTypeMemory:
			ev = ExternMemory(mi.Memories[exp.Index])
		case ExternTypeGlobal:
			ev = ExternGlobal(mi.Globals[exp.Index])
		}
		mi.addExport(exp.Name, ev)
	}

	// Offsets are read from imported globals only, so evaluating them against the final instance is equivalent.
	elemOffsets, dataOffsets, err := s.checkSegmentBounds(mi, module)
	if err != nil {
		return nil, &LinkError{Module: name, Err: err}
	}
	s.applyElements(mi, module, elemOffsets)
	s.applyData(mi, module, dataOffsets)

	if module.StartSection != nil {
		start := s.Functions[mi.Functions[*module.StartSection]]
		if _, err = s.Engine.Call(ctx, s, start, nil); err != nil {
			return nil, &LinkError{Module: name, Err: fmt.Errorf("%w: %w", ErrStartFunctionTrapped, err)}
		}
	}
	return mi, nil
}

// resolveExternalValues checks externs against the import declarations of the module, then groups their addresses
// by kind.
func (s *Store) resolveExternalValues(module *Module, externs []ExternalValue) (*importedAddresses, error) {
	if len(externs) != len(module.ImportSection) {
		return nil, &LinkError{Err: fmt.Errorf("%w: module has %d imports, but %d external values were given",
			ErrImportCountMismatch, len(module.ImportSection), len(externs))}
	}

	ret := &importedAddresses{}
	for i, imp := range module.ImportSection {
		ev := externs[i]
		if err := s.checkImport(module, imp, ev); err != nil {
			return nil, &LinkError{Module: imp.Module, Name: imp.Name, Err: err}
		}
		switch imp.Type {
		case ExternTypeFunc:
			ret.functions = append(ret.functions, FunctionAddress(ev.Address))
		case ExternTypeTable:
			ret.tables = append(ret.tables, TableAddress(ev.Address))
		case ExternTypeMemory:
			ret.memories = append(ret.memories, MemoryAddress(ev.Address))
		case ExternTypeGlobal:
			ret.globals = append(ret.globals, GlobalAddress(ev.Address))
		}
	}
	return ret, nil
}

// checkImport ensures the external value has the kind of the import and a type compatible with its declaration.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#import-subtyping%E2%91%A0
func (s *Store) checkImport(module *Module, imp *Import, ev ExternalValue) error {
	if ev.Type != imp.Type {
		return fmt.Errorf("%w: import[%s.%s] expects %s, but was given %s", ErrImportKindMismatch,
			imp.Module, imp.Name, ExternTypeName(imp.Type), ExternTypeName(ev.Type))
	}

	switch imp.Type {
	case ExternTypeFunc:
		if int(ev.Address) >= len(s.Functions) {
			return fmt.Errorf("%w: function address %d", ErrImportNotFound, ev.Address)
		}
		expected := module.TypeSection[imp.DescFunc]
		if actual := s.Functions[ev.Address].Type; !actual.EqualsSignature(expected.Params, expected.Results) {
			return fmt.Errorf("%w: signature mismatch: %s != %s", ErrImportTypeMismatch, expected, actual)
		}
	case ExternTypeTable:
		if int(ev.Address) >= len(s.Tables) {
			return fmt.Errorf("%w: table address %d", ErrImportNotFound, ev.Address)
		}
		t := s.Tables[ev.Address]
		if t.Type != imp.DescTable.Type {
			return fmt.Errorf("%w: table element type mismatch: %s != %s", ErrImportTypeMismatch,
				ValueTypeName(imp.DescTable.Type), ValueTypeName(t.Type))
		}
		return checkLimits("table", t.Size(), t.Max, imp.DescTable.Min, imp.DescTable.Max)
	case ExternTypeMemory:
		if int(ev.Address) >= len(s.Memories) {
			return fmt.Errorf("%w: memory address %d", ErrImportNotFound, ev.Address)
		}
		m := s.Memories[ev.Address]
		return checkLimits("memory", m.PageSize(), m.Max, imp.DescMem.Min, imp.DescMem.Max)
	case ExternTypeGlobal:
		if int(ev.Address) >= len(s.Globals) {
			return fmt.Errorf("%w: global address %d", ErrImportNotFound, ev.Address)
		}
		expected, actual := imp.DescGlobal, s.Globals[ev.Address].Type
		if expected.ValType != actual.ValType {
			return fmt.Errorf("%w: global value type mismatch: %s != %s", ErrImportTypeMismatch,
				ValueTypeName(expected.ValType), ValueTypeName(actual.ValType))
		}
		if expected.Mutable != actual.Mutable {
			return fmt.Errorf("%w: global mutability mismatch: %t != %t", ErrImportTypeMismatch,
				expected.Mutable, actual.Mutable)
		}
	}
	return nil
}

// checkLimits ensures the current size and maximum of an imported table or memory fit the declared limits.
func checkLimits(kind string, actualMin uint32, actualMax *uint32, min uint32, max *uint32) error {
	if actualMin < min {
		return fmt.Errorf("%w: %s minimum size mismatch: %d < %d", ErrImportTypeMismatch, kind, actualMin, min)
	}
	if max == nil {
		return nil
	}
	if actualMax == nil {
		return fmt.Errorf("%w: %s maximum size mismatch: unbounded > %d", ErrImportTypeMismatch, kind, *max)
	}
	if *actualMax > *max {
		return fmt.Errorf("%w: %s maximum size mismatch: %d > %d", ErrImportTypeMismatch, kind, *actualMax, *max)
	}
	return nil
}

// checkConstantExpressions rejects any initializer that isn't a constant instruction before any is evaluated.
func checkConstantExpressions(module *Module, importedGlobals, functions uint32) (err error) {
	for i, g := range module.GlobalSection {
		if e := checkConstantExpression(g.Init, importedGlobals, functions); e != nil {
			err = multierr.Append(err, fmt.Errorf("global[%d]: %w", i, e))
		}
	}
	for i, elem := range module.ElementSection {
		if !elem.IsActive() {
			continue
		}
		if e := checkConstantExpression(elem.OffsetExpr, importedGlobals, functions); e != nil {
			err = multierr.Append(err, fmt.Errorf("element[%d]: %w", i, e))
		}
	}
	for i, d := range module.DataSection {
		if d.Passive {
			continue
		}
		if e := checkConstantExpression(d.OffsetExpression, importedGlobals, functions); e != nil {
			err = multierr.Append(err, fmt.Errorf("data[%d]: %w", i, e))
		}
	}
	return
}

// checkSegmentBounds evaluates the offset of every active segment and ensures each fits its table or memory. All
// segments are checked before any is applied, so a failure leaves tables and memories untouched.
func (s *Store) checkSegmentBounds(mi *ModuleInstance, module *Module) (elemOffsets, dataOffsets []uint32, err error) {
	elemOffsets = make([]uint32, len(module.ElementSection))
	for i, elem := range module.ElementSection {
		if !elem.IsActive() {
			continue
		}
		v, e := s.evalConstantExpression(mi, elem.OffsetExpr)
		if e != nil {
			err = multierr.Append(err, fmt.Errorf("element[%d]: %w", i, e))
			continue
		}
		offset := uint32(v)
		elemOffsets[i] = offset
		size := s.Tables[mi.Tables[elem.TableIndex]].Size()
		if end := uint64(offset) + uint64(len(elem.Init)); end > uint64(size) {
			err = multierr.Append(err, fmt.Errorf("%w: element[%d] ends at %d, but table[%d] has %d elements",
				ErrSegmentOutOfBounds, i, end, elem.TableIndex, size))
		}
	}

	dataOffsets = make([]uint32, len(module.DataSection))
	for i, d := range module.DataSection {
		if d.Passive {
			continue
		}
		v, e := s.evalConstantExpression(mi, d.OffsetExpression)
		if e != nil {
			err = multierr.Append(err, fmt.Errorf("data[%d]: %w", i, e))
			continue
		}
		offset := uint32(v)
		dataOffsets[i] = offset
		size := s.Memories[mi.Memories[d.MemoryIndex]].Size()
		if end := uint64(offset) + uint64(len(d.Init)); end > uint64(size) {
			err = multierr.Append(err, fmt.Errorf("%w: data[%d] ends at %d, but memory[%d] has %d bytes",
				ErrSegmentOutOfBounds, i, end, d.MemoryIndex, size))
		}
	}
	return
}

// applyElements copies active element segments into their tables and retains passive ones for "table.init".
func (s *Store) applyElements(mi *ModuleInstance, module *Module, offsets []uint32) {
	mi.ElementInstances = make([][]Reference, len(module.ElementSection))
	for i, elem := range module.ElementSection {
		refs := make([]Reference, len(elem.Init))
		for j, funcIdx := range elem.Init {
			if funcIdx != ElementInitNullReference {
				refs[j] = FunctionReference(mi.Functions[funcIdx])
			}
		}
		switch elem.Mode {
		case ElementModeActive:
			table := s.Tables[mi.Tables[elem.TableIndex]]
			copy(table.References[offsets[i]:], refs)
		case ElementModePassive:
			mi.ElementInstances[i] = refs
		}
	}
}

// applyData copies active data segments into their memories and retains passive ones for "memory.init".
func (s *Store) applyData(mi *ModuleInstance, module *Module, offsets []uint32) {
	mi.DataInstances = make([][]byte, len(module.DataSection))
	for i, d := range module.DataSection {
		if d.Passive {
			mi.DataInstances[i] = d.Init
			continue
		}
		memory := s.Memories[mi.Memories[d.MemoryIndex]]
		copy(memory.Buffer[offsets[i]:], d.Init)
	}
}
