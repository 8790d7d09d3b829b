package binary

import (
	"github.com/wakit/wakit/internal/leb128"
	"github.com/wakit/wakit/internal/wasm"
)

var sizePrefixedName = []byte{4, 'n', 'a', 'm', 'e'}

// EncodeModule implements wasm.EncodeModule for the WebAssembly 2.0 Binary Format. Empty sections are omitted.
//
// Note: If saving to a file, the conventional extension is wasm
// See https://www.w3.org/TR/2022/WD-wasm-core-2-20220419/binary/modules.html
func EncodeModule(m *wasm.Module) (bytes []byte) {
	bytes = append(Magic, version...)
	if len(m.TypeSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDType, m.TypeSection, encodeFunctionType)...)
	}
	if len(m.ImportSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDImport, m.ImportSection, encodeImport)...)
	}
	if len(m.FunctionSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDFunction, m.FunctionSection, leb128.EncodeUint32)...)
	}
	if len(m.TableSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDTable, m.TableSection, encodeTable)...)
	}
	if len(m.MemorySection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDMemory, m.MemorySection, encodeMemory)...)
	}
	if len(m.GlobalSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDGlobal, m.GlobalSection, encodeGlobal)...)
	}
	if len(m.ExportSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDExport, m.ExportSection, encodeExport)...)
	}
	if m.StartSection != nil {
		bytes = append(bytes, encodeSection(wasm.SectionIDStart, leb128.EncodeUint32(*m.StartSection))...)
	}
	if len(m.ElementSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDElement, m.ElementSection, encodeElement)...)
	}
	if m.DataCountSection != nil {
		bytes = append(bytes, encodeSection(wasm.SectionIDDataCount, leb128.EncodeUint32(*m.DataCountSection))...)
	}
	if len(m.CodeSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDCode, m.CodeSection, encodeCode)...)
	}
	if len(m.DataSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDData, m.DataSection, encodeDataSegment)...)
	}
	if m.NameSection != nil {
		nameSection := append(sizePrefixedName, encodeNameSectionData(m.NameSection)...)
		bytes = append(bytes, encodeSection(wasm.SectionIDCustom, nameSection)...)
	}
	return
}
