package binary

import (
	"bytes"
	"fmt"

	"github.com/wakit/wakit/internal/leb128"
	"github.com/wakit/wakit/internal/wasm"
)

// decodeVectorSize reads the element count of a vector section. Each element is at least minElementSize bytes,
// so a count larger than the remaining bytes allow is rejected before allocation.
func decodeVectorSize(r *bytes.Reader, minElementSize int) (uint32, error) {
	vs, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return 0, fmt.Errorf("get size of vector: %w", err)
	}
	if uint64(vs)*uint64(minElementSize) > uint64(r.Len()) {
		return 0, fmt.Errorf("vector of %d elements exceeds the remaining %d bytes", vs, r.Len())
	}
	return vs, nil
}

func decodeTypeSection(r *bytes.Reader) ([]*wasm.FunctionType, error) {
	vs, err := decodeVectorSize(r, 3)
	if err != nil {
		return nil, err
	}

	result := make([]*wasm.FunctionType, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], err = decodeFunctionType(r); err != nil {
			return nil, fmt.Errorf("read %d-th type: %v", i, err)
		}
	}
	return result, nil
}

func decodeImportSection(r *bytes.Reader, memoryLimitPages uint32) ([]*wasm.Import, error) {
	vs, err := decodeVectorSize(r, 4)
	if err != nil {
		return nil, err
	}

	result := make([]*wasm.Import, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], err = decodeImport(r, i, memoryLimitPages); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func decodeFunctionSection(r *bytes.Reader) ([]uint32, error) {
	vs, err := decodeVectorSize(r, 1)
	if err != nil {
		return nil, err
	}

	result := make([]uint32, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], _, err = leb128.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("get type index: %w", err)
		}
	}
	return result, err
}

func decodeTableSection(r *bytes.Reader) ([]*wasm.Table, error) {
	vs, err := decodeVectorSize(r, 3)
	if err != nil {
		return nil, err
	}

	result := make([]*wasm.Table, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], err = decodeTable(r); err != nil {
			return nil, fmt.Errorf("read %d-th table: %w", i, err)
		}
	}
	return result, nil
}

func decodeMemorySection(r *bytes.Reader, memoryLimitPages uint32) ([]*wasm.Memory, error) {
	vs, err := decodeVectorSize(r, 2)
	if err != nil {
		return nil, err
	}

	result := make([]*wasm.Memory, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], err = decodeMemory(r, memoryLimitPages); err != nil {
			return nil, fmt.Errorf("read %d-th memory: %w", i, err)
		}
	}
	return result, nil
}

func decodeGlobalSection(r *bytes.Reader) ([]*wasm.Global, error) {
	vs, err := decodeVectorSize(r, 4)
	if err != nil {
		return nil, err
	}

	result := make([]*wasm.Global, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], err = decodeGlobal(r); err != nil {
			return nil, fmt.Errorf("global[%d]: %w", i, err)
		}
	}
	return result, nil
}

func decodeExportSection(r *bytes.Reader) ([]*wasm.Export, error) {
	vs, err := decodeVectorSize(r, 3)
	if err != nil {
		return nil, err
	}

	usedName := make(map[string]struct{}, vs)
	exportSection := make([]*wasm.Export, vs)
	for i := wasm.Index(0); i < vs; i++ {
		export, err := decodeExport(r)
		if err != nil {
			return nil, fmt.Errorf("read export: %w", err)
		}
		if _, ok := usedName[export.Name]; ok {
			return nil, fmt.Errorf("export[%d] duplicates name %q", i, export.Name)
		}
		usedName[export.Name] = struct{}{}
		exportSection[i] = export
	}
	return exportSection, nil
}

func decodeStartSection(r *bytes.Reader) (*wasm.Index, error) {
	vs, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get function index: %w", err)
	}
	return &vs, nil
}

func decodeElementSection(r *bytes.Reader) ([]*wasm.ElementSegment, error) {
	vs, err := decodeVectorSize(r, 2)
	if err != nil {
		return nil, err
	}

	result := make([]*wasm.ElementSegment, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], err = decodeElementSegment(r); err != nil {
			return nil, fmt.Errorf("read element: %w", err)
		}
	}
	return result, nil
}

func decodeCodeSection(r *bytes.Reader) ([]*wasm.Code, error) {
	vs, err := decodeVectorSize(r, 3)
	if err != nil {
		return nil, err
	}

	result := make([]*wasm.Code, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], err = decodeCode(r); err != nil {
			return nil, fmt.Errorf("read %d-th code segment: %v", i, err)
		}
	}
	return result, nil
}

func decodeDataSection(r *bytes.Reader) ([]*wasm.DataSegment, error) {
	vs, err := decodeVectorSize(r, 2)
	if err != nil {
		return nil, err
	}

	result := make([]*wasm.DataSegment, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], err = decodeDataSegment(r); err != nil {
			return nil, fmt.Errorf("read data segment: %w", err)
		}
	}
	return result, nil
}

func decodeDataCountSection(r *bytes.Reader) (count *uint32, err error) {
	v, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get data count: %w", err)
	}
	return &v, nil
}

// encodeSection encodes the sectionID, the size of its contents in bytes, followed by the contents.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#sections%E2%91%A0
func encodeSection(sectionID wasm.SectionID, contents []byte) []byte {
	return append([]byte{sectionID}, encodeSizePrefixed(contents)...)
}

// encodeVectorSection encodes the count of elements followed by each encoded element, as a section.
func encodeVectorSection[T any](sectionID wasm.SectionID, elements []T, encode func(T) []byte) []byte {
	contents := leb128.EncodeUint32(uint32(len(elements)))
	for _, e := range elements {
		contents = append(contents, encode(e)...)
	}
	return encodeSection(sectionID, contents)
}
