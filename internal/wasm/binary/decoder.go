// Package binary decodes modules in the WebAssembly binary format into the module IR, and encodes them back.
//
// Decoding performs the structural checks needed to build the IR, not the full static validation of a module.
package binary

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/wakit/wakit/internal/buildoptions"
	"github.com/wakit/wakit/internal/leb128"
	"github.com/wakit/wakit/internal/wasm"
)

// sectionOrder is the position of each non-custom section, which must appear at most once and in this order.
var sectionOrder = map[wasm.SectionID]int{
	wasm.SectionIDType:      1,
	wasm.SectionIDImport:    2,
	wasm.SectionIDFunction:  3,
	wasm.SectionIDTable:     4,
	wasm.SectionIDMemory:    5,
	wasm.SectionIDGlobal:    6,
	wasm.SectionIDExport:    7,
	wasm.SectionIDStart:     8,
	wasm.SectionIDElement:   9,
	wasm.SectionIDDataCount: 10,
	wasm.SectionIDCode:      11,
	wasm.SectionIDData:      12,
}

// DecodeModule implements wasm.DecodeModule for the WebAssembly 2.0 Binary Format, without SIMD. memoryLimitPages
// bounds the limits of memories, and is buildoptions.MemoryLimitPages when zero.
//
// See https://www.w3.org/TR/2022/WD-wasm-core-2-20220419/binary/modules.html
func DecodeModule(binary []byte, memoryLimitPages uint32) (*wasm.Module, error) {
	if memoryLimitPages == 0 || memoryLimitPages > buildoptions.MemoryLimitPages {
		memoryLimitPages = buildoptions.MemoryLimitPages
	}

	r := bytes.NewReader(binary)

	// Magic number.
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil || !bytes.Equal(buf, Magic) {
		return nil, ErrInvalidMagicNumber
	}

	// Version.
	if _, err := io.ReadFull(r, buf); err != nil || !bytes.Equal(buf, version) {
		return nil, ErrInvalidVersion
	}

	m := &wasm.Module{}
	lastOrder := 0
	for {
		sectionID, err := r.ReadByte()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("read section id: %w", err)
		}

		sectionSize, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("get size of section %s: %v", wasm.SectionIDName(sectionID), err)
		}
		if uint64(sectionSize) > uint64(r.Len()) {
			return nil, fmt.Errorf("section %s of size %d exceeds the remaining %d bytes",
				wasm.SectionIDName(sectionID), sectionSize, r.Len())
		}

		if sectionID != wasm.SectionIDCustom {
			order, ok := sectionOrder[sectionID]
			if !ok {
				return nil, fmt.Errorf("%w: %#x", ErrInvalidSectionID, sectionID)
			}
			if order <= lastOrder {
				return nil, fmt.Errorf("section %s is a duplicate or out of order", wasm.SectionIDName(sectionID))
			}
			lastOrder = order
		}

		offset := len(binary) - r.Len()
		sr := bytes.NewReader(binary[offset : offset+int(sectionSize)])
		if _, err = r.Seek(int64(sectionSize), io.SeekCurrent); err != nil {
			return nil, err
		}

		if err = decodeSection(m, sectionID, sr, memoryLimitPages); err != nil {
			return nil, fmt.Errorf("section %s: %w", wasm.SectionIDName(sectionID), err)
		}
		if sr.Len() != 0 {
			return nil, fmt.Errorf("invalid section length: section %s has %d unread bytes",
				wasm.SectionIDName(sectionID), sr.Len())
		}
	}

	functionCount, codeCount := len(m.FunctionSection), len(m.CodeSection)
	if functionCount != codeCount {
		return nil, fmt.Errorf("function and code section have inconsistent lengths: %d != %d", functionCount, codeCount)
	}
	if m.DataCountSection != nil && int(*m.DataCountSection) != len(m.DataSection) {
		return nil, fmt.Errorf("data count section (%d) doesn't match the length of data section (%d)",
			*m.DataCountSection, len(m.DataSection))
	}
	return m, nil
}

func decodeSection(m *wasm.Module, sectionID wasm.SectionID, r *bytes.Reader, memoryLimitPages uint32) (err error) {
	switch sectionID {
	case wasm.SectionIDCustom:
		return decodeCustomSection(m, r)
	case wasm.SectionIDType:
		m.TypeSection, err = decodeTypeSection(r)
	case wasm.SectionIDImport:
		m.ImportSection, err = decodeImportSection(r, memoryLimitPages)
	case wasm.SectionIDFunction:
		m.FunctionSection, err = decodeFunctionSection(r)
	case wasm.SectionIDTable:
		m.TableSection, err = decodeTableSection(r)
	case wasm.SectionIDMemory:
		m.MemorySection, err = decodeMemorySection(r, memoryLimitPages)
	case wasm.SectionIDGlobal:
		m.GlobalSection, err = decodeGlobalSection(r)
	case wasm.SectionIDExport:
		m.ExportSection, err = decodeExportSection(r)
	case wasm.SectionIDStart:
		m.StartSection, err = decodeStartSection(r)
	case wasm.SectionIDElement:
		m.ElementSection, err = decodeElementSection(r)
	case wasm.SectionIDDataCount:
		m.DataCountSection, err = decodeDataCountSection(r)
	case wasm.SectionIDCode:
		m.CodeSection, err = decodeCodeSection(r)
	case wasm.SectionIDData:
		m.DataSection, err = decodeDataSection(r)
	}
	return
}

// decodeCustomSection decodes the "name" section and skips any other custom section.
func decodeCustomSection(m *wasm.Module, r *bytes.Reader) error {
	name, _, err := decodeUTF8(r, "custom section name")
	if err != nil {
		return err
	}
	if name != "name" {
		_, err = r.Seek(0, io.SeekEnd)
		return err
	}
	if m.NameSection != nil {
		return errors.New("redundant custom section name")
	}
	m.NameSection, err = decodeNameSection(r, uint64(r.Len()))
	if err == nil && m.NameSection == nil {
		m.NameSection = &wasm.NameSection{}
	}
	return err
}
